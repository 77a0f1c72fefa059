// Package scheduler runs the gateway's periodic jobs.
//
// Two jobs are registered: the lock-expiry sweep and the integration
// token-refresh trigger. Overlapping runs are skipped and panics are
// recovered, so a slow store never stacks up sweeps.
package scheduler
