// Package handoff decides which staff member owns a conversation.
//
// A conversation is either unlocked or locked by one handler, optionally
// until an expiry instant. Claims take an unlocked or lapsed lock, or renew
// the caller's own. Every transition is a single conditional write in the
// store; the engine adds tenant checks, role rules and live events on top and
// holds no locks of its own.
//
// Expired locks are free for the next claim straight away. ExpireSweep clears
// them in bulk so clients see a conversation-unlocked event.
package handoff
