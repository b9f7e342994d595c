// Package provider talks to the OpenStack Block Storage (Cinder v3) API.
//
// Keystone v3 password login, the service catalog and region endpoint
// selection come from goose. Single-volume lookups use goose's cinder
// client; backup, restore, export and import calls, which that client does
// not model, go through the authenticated client's SendRequest.
//
// Every request is bounded by Config.Timeout and paced by a token bucket.
// Idempotent calls (GET, DELETE) are retried with exponential backoff up to
// Config.RetryMaxTime; client errors other than 429 are not retried. A 401
// drops the session and the call is repeated once after logging in again.
package provider
