package main

import (
	"flag"

	"github.com/obsidianstack/bannerpush/connector/internal/config"
)

// overrideFlags registers the flags that override config values. Only
// flags present on the command line end up in the Overrides, so a flag's
// default never masks the environment or the config file; call bind after
// Parse.
func overrideFlags(fs *flag.FlagSet) (*config.Overrides, func()) {
	ov := &config.Overrides{}

	baseURL := fs.String("base-url", "", "remote API base URL (env BASE_URL)")
	projectKey := fs.String("project-key", "", "project key exchanged for a token (env PROJECT_KEY)")
	minAge := fs.Int("min-age", 0, "minimum accepted age, pinned over the bounds file (env MIN_AGE)")
	maxAge := fs.Int("max-age", 0, "maximum accepted age, pinned over the bounds file (env MAX_AGE)")
	boundsFile := fs.String("bounds-file", "", "YAML file with min_age/max_age, reloaded while running")
	connect := fs.Duration("timeout-connect", config.DefaultConnectTimeout, "dial timeout")
	single := fs.Duration("timeout-single", config.DefaultSingleTimeout, "single send timeout")
	bulk := fs.Duration("timeout-bulk", config.DefaultBulkTimeout, "bulk send timeout")
	retries := fs.Int("max-retries", config.DefaultMaxRetries, "retries after a 429, 5xx or transport error")
	backoffBase := fs.Duration("backoff-base", config.DefaultBackoffBase, "first backoff wait")
	backoffCap := fs.Duration("backoff-cap", config.DefaultBackoffCap, "largest computed backoff wait")
	batch := fs.Int("batch-size", config.DefaultBatchSize, "records per bulk request (max 1000)")
	reloadEvery := fs.Int("reload-every-rows", config.DefaultReloadEveryRows, "rows between bounds reload checks")
	reloadInterval := fs.Duration("reload-interval", config.DefaultReloadInterval, "minimum time between bounds file checks")
	logEvery := fs.Int("log-every-rows", config.DefaultLogEveryRows, "rows between progress logs")
	deadLetter := fs.String("dead-letter", "", "JSONL report of undelivered records (.gz to compress)")
	metricsFile := fs.String("metrics-file", "", "Prometheus textfile written at the end of the run")
	logLevel := fs.String("log-level", "info", "debug, info, warn or error (env LOG_LEVEL)")

	bind := func() {
		fs.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "base-url":
				ov.BaseURL = baseURL
			case "project-key":
				ov.ProjectKey = projectKey
			case "min-age":
				ov.MinAge = minAge
			case "max-age":
				ov.MaxAge = maxAge
			case "bounds-file":
				ov.BoundsFile = boundsFile
			case "timeout-connect":
				ov.ConnectTimeout = connect
			case "timeout-single":
				ov.SingleTimeout = single
			case "timeout-bulk":
				ov.BulkTimeout = bulk
			case "max-retries":
				ov.MaxRetries = retries
			case "backoff-base":
				ov.BackoffBase = backoffBase
			case "backoff-cap":
				ov.BackoffCap = backoffCap
			case "batch-size":
				ov.BatchSize = batch
			case "reload-every-rows":
				ov.ReloadEvery = reloadEvery
			case "reload-interval":
				ov.ReloadInterval = reloadInterval
			case "log-every-rows":
				ov.LogEvery = logEvery
			case "dead-letter":
				ov.DeadLetterFile = deadLetter
			case "metrics-file":
				ov.MetricsFile = metricsFile
			case "log-level":
				ov.LogLevel = logLevel
			}
		})
	}
	return ov, bind
}
