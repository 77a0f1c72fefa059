// Package identity resolves external channel senders to stable customer
// records keyed by "<channel>:<external id>".
package identity
