// Package observability provides metrics extensions for durable.
// MetricsExtension records lifecycle counters through OpenTelemetry;
// Prometheus exports the same events as Prometheus collectors.
//
// For per-attempt tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
