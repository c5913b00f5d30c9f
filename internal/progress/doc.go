// Package progress carries per-job status events from pipeline executors to
// the supervising loop. Channel is the coalescing conduit between the two;
// Hub batches the events the supervisor forwards and fans them out to
// observability sinks such as structured logs or Prometheus.
package progress
