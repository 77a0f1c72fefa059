// Package store persists customers, conversations, messages and channel
// integrations for the switchboard.
//
// # Architecture
//
// Persistence is split into narrow interfaces so callers depend only on what
// they use:
//
//   - CustomerStore: cross-channel customer records and staff flags
//   - ConversationStore: per-tenant conversation rows and their bookkeeping
//   - LockStore: handler lock compare-and-set transitions
//   - MessageStore: message history and the outbound echo guard
//   - IntegrationStore: channel endpoints and their tenant ownership
//
// SQLStore implements all of them over database/sql. The same statements run
// against SQLite (modernc.org/sqlite) and PostgreSQL (pgx); placeholders are
// rebound per dialect and schema changes are applied by golang-migrate from
// the embedded migrations directory.
//
// # Concurrency
//
// Every lock transition is a single conditional UPDATE ... RETURNING, so two
// staff racing for a conversation can never both win. Conversation upserts
// rely on the unique (tenant_scope, channel, conversation_key, customer_key)
// index and apply the unread delta in the same statement.
//
// # Timestamps
//
// Times are stored as fixed-width UTC strings with microsecond precision so
// that string comparison orders them correctly on both dialects.
package store
