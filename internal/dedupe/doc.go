// Package dedupe remembers recently processed platform message ids so that
// webhook retries are acknowledged without being ingested twice.
package dedupe
