// Package channel connects switchboard to external messaging platforms.
//
// An Adapter verifies and parses one platform's webhooks into Events; a
// Sender delivers outbound text through an integration's access token. The
// Registry pairs them by channel name and routes sends by the integration's
// channel.
package channel
