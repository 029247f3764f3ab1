// Package metrics exports the counters of a finished run in the Prometheus
// text exposition format, for collection through node-exporter's textfile
// collector.
//
// Counters (*_total) are cumulative: WriteFile parses the previous file and
// adds this run's values to it, carrying forward label sets this run did not
// see. Gauges (bannerpush_last_run_*) describe the latest run only.
package metrics
