// Package autoreply answers customer questions through an external service.
//
// The ingestion pipeline hands inbound text to Dispatch, which queues it
// without blocking. A fixed pool of workers asks the service, sends the
// answer through the channel and ingests it as an outbound message tagged
// auto_reply. Failures are logged; there are no retries.
package autoreply
