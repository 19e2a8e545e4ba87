// Package processor applies sync tasks to local entity state. Each entity
// kind validates its payload against an embedded JSON Schema, upserts by
// external id inside a single transaction and records a change event in the
// outbox within that same transaction.
package processor
