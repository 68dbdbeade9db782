// Package metrics exposes engine activity as Prometheus metrics.
//
// A Collector subscribes to the engine's event stream and turns task,
// workflow step, workflow and circuit breaker events into counters, histograms
// and gauges. Gate occupancy is sampled at scrape time.
package metrics
