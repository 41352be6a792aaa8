// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection status per identity key and transition counts
//   - Scheduled reconnects and their backoff delays
//   - Inbound events delivered and malformed frames dropped
//   - Recorder flush sizes, latencies and failures
package metrics
