// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry initialization and graceful shutdown for the
// Aegis security core.
package observability
