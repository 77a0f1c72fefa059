// Package ingest is the single path by which messages enter switchboard.
//
// Webhooks, widget visitors, staff sends and auto-replies all become an
// Event. Ingest resolves the customer, upserts the conversation, persists
// the message and broadcasts new-message and update-conversation to the
// tenant's rooms.
//
// Platforms echo messages we send back through the webhook. Outbound text
// equal to an outbound message stored within the echo window (10s by
// default) is not stored twice and is not broadcast again. Attachment-only
// outbound messages have no text to compare and are always stored.
//
// Inbound text on a conversation with bot replies enabled is handed to a
// ReplyDispatcher, which must not block.
package ingest
