package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/obsidianstack/bannerpush/connector/internal/auth"
	"github.com/obsidianstack/bannerpush/connector/internal/config"
	"github.com/obsidianstack/bannerpush/connector/internal/logging"
	"github.com/obsidianstack/bannerpush/connector/internal/metrics"
	"github.com/obsidianstack/bannerpush/connector/internal/pipeline"
	"github.com/obsidianstack/bannerpush/connector/internal/report"
	"github.com/obsidianstack/bannerpush/connector/internal/source"
	"github.com/obsidianstack/bannerpush/connector/internal/transport"
	"github.com/obsidianstack/bannerpush/pkg/types"
)

const uploadTimeout = 2 * time.Minute

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// loadEnv seeds the environment from the dotenv file, then sets up
// logging from LOG_LEVEL so a level set only in that file applies to
// startup messages too.
func loadEnv(path string) {
	err := config.LoadDotEnv(path)
	logging.Setup(os.Getenv(config.EnvLogLevel), "json")
	if err != nil {
		slog.Warn("connector: could not load env file", "path", path, "err", err)
	}
}

// run executes one connector job and returns the process exit status.
func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("connector", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "usage: connector [flags] <input.csv[.gz]>")
		fs.PrintDefaults()
	}
	configPath := fs.String("config", "", "path to the YAML job config (optional)")
	envFile := fs.String("env-file", ".env", "dotenv file loaded before the environment is read")
	ov, bind := overrideFlags(fs)
	if err := fs.Parse(args); err != nil {
		return pipeline.ExitFatal
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return pipeline.ExitFatal
	}
	csvPath := fs.Arg(0)
	bind()

	loadEnv(*envFile)
	cfg, err := config.Load(*configPath, *ov)
	if err != nil {
		slog.Error("connector: failed to load config", "err", err)
		return pipeline.ExitFatal
	}
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if cfg.API.ProjectKey == "" {
		slog.Warn("connector: project key is empty; token requests will likely be refused")
	}

	store, err := config.NewBoundsStore(config.BoundsOptions{
		Path:     cfg.Bounds.File,
		Base:     cfg.Bounds.Bounds(),
		PinMin:   ov.MinAge,
		PinMax:   ov.MaxAge,
		Interval: cfg.Pipeline.ReloadInterval,
	})
	if err != nil {
		slog.Error("connector: invalid age bounds", "err", err)
		return pipeline.ExitFatal
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Bounds.Watch && cfg.Bounds.File != "" {
		go func() {
			if err := config.Watch(ctx, cfg.Bounds.File, store.MarkDirty); err != nil {
				slog.Warn("connector: bounds watcher stopped, relying on mtime polling", "err", err)
			}
		}()
	}

	src, err := source.Open(csvPath)
	if err != nil {
		slog.Error("connector: cannot read input", "path", csvPath, "err", err)
		return pipeline.ExitFatal
	}
	defer src.Close()

	runID := uuid.NewString()
	var (
		recorder pipeline.Recorder
		dead     *report.DeadLetter
	)
	if cfg.Report.DeadLetterFile != "" {
		dead, err = report.OpenDeadLetter(cfg.Report.DeadLetterFile, runID)
		if err != nil {
			slog.Error("connector: cannot open dead-letter report", "err", err)
			return pipeline.ExitFatal
		}
		recorder = dead
	}

	client := newClient(cfg)
	p := pipeline.New(client, store, pipeline.Options{
		RunID:           runID,
		BatchSize:       cfg.Pipeline.BatchSize,
		ReloadEveryRows: cfg.Pipeline.ReloadEveryRows,
		LogEveryRows:    cfg.Pipeline.LogEveryRows,
		Recorder:        recorder,
	})

	slog.Info("connector: starting",
		"run_id", runID,
		"input", csvPath,
		"base_url", cfg.API.BaseURL,
		"batch_size", p.BatchSize(),
		"max_retries", cfg.Retry.MaxRetries)

	sum, runErr := pipeline.Run(ctx, src, p)
	exit := sum.ExitCode(cfg.Pipeline.FailOnInvalid)
	if runErr != nil {
		slog.Error("connector: run aborted", "err", runErr)
		exit = pipeline.ExitFatal
	}

	if dead != nil {
		if err := finishReport(cfg.Report, dead, runID); err != nil {
			slog.Error("connector: dead-letter report incomplete", "err", err)
			exit = max(exit, pipeline.ExitFail)
		}
	}

	if cfg.Report.MetricsFile != "" {
		err := metrics.WriteFile(cfg.Report.MetricsFile, metrics.Run{
			Summary:  sum,
			Stats:    client.Stats(),
			ExitCode: exit,
			Finished: time.Now(),
		})
		if err != nil {
			slog.Error("connector: writing metrics failed", "path", cfg.Report.MetricsFile, "err", err)
		}
	}

	if err := json.NewEncoder(stdout).Encode(sum); err != nil {
		slog.Error("connector: writing summary failed", "err", err)
	}
	return exit
}

// newClient wires the token manager and the retrying client over one
// shared keep-alive transport.
func newClient(cfg *config.Config) *transport.Client {
	base := transport.NewHTTPTransport(cfg.HTTP.ConnectTimeout, cfg.HTTP.InsecureSkipVerify)
	tokens := auth.New(&http.Client{Transport: base}, auth.Options{
		BaseURL:    cfg.API.BaseURL,
		Path:       cfg.API.AuthPath,
		ProjectKey: cfg.API.ProjectKey,
		Skew:       cfg.Auth.Skew,
		DefaultTTL: cfg.Auth.DefaultTTL,
		Timeout:    cfg.HTTP.SingleTimeout,
	})
	httpClient := &http.Client{Transport: &auth.Transport{Base: base, Source: tokens}}
	return transport.New(httpClient, tokens, transport.Options{
		BaseURL:       cfg.API.BaseURL,
		SinglePath:    cfg.API.SinglePath,
		BulkPath:      cfg.API.BulkPath,
		SingleTimeout: cfg.HTTP.SingleTimeout,
		BulkTimeout:   cfg.HTTP.BulkTimeout,
		MaxBatch:      types.MaxBatchSize,
		Policy: transport.RetryPolicy{
			MaxRetries:  cfg.Retry.MaxRetries,
			BackoffBase: cfg.Retry.BackoffBase,
			BackoffCap:  cfg.Retry.BackoffCap,
			Jitter:      cfg.Retry.Jitter,
		},
	})
}

// finishReport closes the dead-letter file and, when a bucket is set and
// the report is not empty, uploads it. The upload gets its own deadline so
// it still runs after an interrupt.
func finishReport(rc config.ReportConfig, dead *report.DeadLetter, runID string) error {
	if err := dead.Close(); err != nil {
		return err
	}
	slog.Info("connector: dead-letter report written", "path", dead.Path(), "entries", dead.Count())
	if rc.S3Bucket == "" || dead.Count() == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
	defer cancel()
	up, err := report.NewS3Uploader(ctx, rc.S3Bucket, rc.S3Prefix, rc.S3Region)
	if err != nil {
		return err
	}
	key := up.Key(runID, dead.Path(), time.Now())
	if err := up.UploadFile(ctx, key, dead.Path()); err != nil {
		return errors.Join(err, fmt.Errorf("report kept locally at %s", dead.Path()))
	}
	return nil
}
