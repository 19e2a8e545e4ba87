// Package reconcile compares local entity snapshots with the remote system
// and reports drift, optionally enqueueing reconcile tasks to repair it.
package reconcile
