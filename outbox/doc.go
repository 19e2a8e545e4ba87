// Package outbox delivers events recorded alongside entity changes. Events
// are claimed in batches, routed to subscribers by topic and retried with
// the shared retry policy until they are sent or marked failed.
package outbox
