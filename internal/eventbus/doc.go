// Package eventbus fans live events out to connected staff and widget clients.
//
// Every session joins exactly one account room ("account:<id>") and, for
// staff in an organization, that organization's room ("organization:<id>").
// Broadcasts name a Target; an event addressed to both an account and an
// organization is delivered once per room. Events without a target are
// refused unless their type was whitelisted with WithPublicEvents.
//
// Delivery is best effort. Each session buffers 64 events and further events
// are dropped for that session until it drains. Clients reconcile by polling.
//
// Sessions live in an injected SessionRegistry; MemoryRegistry is the
// in-process implementation. Multiple instances can share broadcasts through
// AMQPRelay, which ignores envelopes it published itself.
package eventbus
