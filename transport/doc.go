// Package transport holds the HTTP edges of the pipeline: the webhook ingress
// handler with signature verification, the JSON REST client used for remote
// calls, and the go-errors JSON envelope writer.
package transport
