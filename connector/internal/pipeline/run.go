package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"

	"github.com/obsidianstack/bannerpush/connector/internal/source"
	"github.com/obsidianstack/bannerpush/connector/internal/validate"
)

// ReasonMalformed counts input lines the CSV reader could not parse.
const ReasonMalformed = "MALFORMED_ROW"

// Process exit statuses.
const (
	ExitOK    = 0
	ExitFail  = 1
	ExitFatal = 2
)

// Summary is the outcome of a run.
type Summary struct {
	RunID          string         `json:"run_id"`
	Processed      int            `json:"processed"`
	Valid          int            `json:"valid"`
	Invalid        int            `json:"invalid"`
	Accepted       int            `json:"accepted"`
	Rejected       int            `json:"rejected"`
	Failed         int            `json:"failed"`
	InvalidReasons map[string]int `json:"invalid_reasons"`
	Duration       time.Duration  `json:"-"`
}

// MarshalJSON adds the duration in seconds.
func (s Summary) MarshalJSON() ([]byte, error) {
	type plain Summary
	return json.Marshal(struct {
		plain
		DurationSeconds float64 `json:"duration_seconds"`
	}{plain(s), s.Duration.Seconds()})
}

// ExitCode is ExitFail when any record was rejected or failed delivery, or
// when failOnInvalid is set and any row was invalid. Otherwise ExitOK.
func (s Summary) ExitCode(failOnInvalid bool) int {
	if s.Rejected > 0 || s.Failed > 0 {
		return ExitFail
	}
	if failOnInvalid && s.Invalid > 0 {
		return ExitFail
	}
	return ExitOK
}

// RowSource yields input rows. *source.Reader implements it.
type RowSource interface {
	Next() (source.Row, error)
}

// Run reads src to the end, validating each row against the live bounds and
// enqueueing valid records, then flushes the partial batch. Cancelling ctx
// stops reading; the records already batched are still flushed and come
// back Failed. The error is non-nil only when src fails for a reason other
// than a malformed line.
func Run(ctx context.Context, src RowSource, p *Pipeline) (Summary, error) {
	slog.Info("pipeline: run started",
		"run_id", p.sum.RunID, "batch_size", p.opts.BatchSize,
		"bounds", p.bounds.Get().String())

	var readErr error
	for {
		if err := ctx.Err(); err != nil {
			slog.Warn("pipeline: stopping input", "processed", p.sum.Processed, "err", err)
			break
		}
		row, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		var rerr *source.RowError
		if errors.As(err, &rerr) {
			p.ObserveRow()
			p.Invalid(ReasonMalformed)
			slog.Warn("pipeline: malformed line", "line", rerr.Line, "err", rerr.Err)
			continue
		}
		if err != nil {
			readErr = fmt.Errorf("pipeline: read input: %w", err)
			break
		}

		p.ObserveRow()
		rec, err := validate.Row(row.Fields, p.bounds.Get())
		if err != nil {
			var verr *validate.Error
			if !errors.As(err, &verr) {
				return p.Finalize(ctx), fmt.Errorf("pipeline: validate line %d: %w", row.Line, err)
			}
			p.Invalid(verr.Code)
			slog.Debug("pipeline: invalid row", "line", row.Line, "field", verr.Field, "code", verr.Code)
			continue
		}
		rec.Line = row.Line
		p.Enqueue(ctx, rec)
	}

	sum := p.Finalize(ctx)
	slog.Info("pipeline: run finished",
		"run_id", sum.RunID,
		"processed", sum.Processed,
		"valid", sum.Valid,
		"invalid", sum.Invalid,
		"accepted", sum.Accepted,
		"rejected", sum.Rejected,
		"failed", sum.Failed,
		"duration", sum.Duration)
	return sum, readErr
}
