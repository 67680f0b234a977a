// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Dispatch decisions per backend and kind (backend, tunnel, fallback, drop)
//   - Visit counter value
//   - Upstream fetch outcomes for the remote script passthrough
//   - Wisp session and stream activity
package metrics
