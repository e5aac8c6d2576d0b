// Package dedupe remembers recently seen keys for a bounded window so that
// retried requests can be recognized and acknowledged without being applied
// twice.
package dedupe
