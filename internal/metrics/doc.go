// Package metrics declares the Prometheus collectors exported on /metrics and
// the adapters that feed them from the download engine.
package metrics
