// Package inbox accepts inbound webhook deliveries, deduplicates them by
// idempotency key or content hash and turns each accepted event into sync
// tasks in one atomic store call.
package inbox
