package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/obsidianstack/bannerpush/pkg/types"
)

// Defaults applied when an Options field is zero.
const (
	DefaultReloadEveryRows = 10000
	DefaultLogEveryRows    = 10000
)

// Bounds is the live age-bounds source. *config.BoundsStore implements it.
type Bounds interface {
	Get() types.Bounds
	MaybeReload(now time.Time) bool
}

// Recorder receives the outcome of every delivered record.
type Recorder interface {
	Record(d types.Delivery) error
}

// Options tunes a Pipeline.
type Options struct {
	RunID           string // generated when empty
	BatchSize       int    // capped at the sender's MaxBatch
	ReloadEveryRows int
	LogEveryRows    int
	Recorder        Recorder // optional
}

// Pipeline accumulates records into a batch and flushes it when full.
type Pipeline struct {
	sender Sender
	bounds Bounds
	opts   Options

	batch []types.Record
	sum   Summary
	start time.Time

	now func() time.Time
}

// New returns a Pipeline with an empty batch.
func New(sender Sender, bounds Bounds, opts Options) *Pipeline {
	limit := sender.MaxBatch()
	switch {
	case opts.BatchSize <= 0:
		opts.BatchSize = limit
	case opts.BatchSize > limit:
		slog.Warn("pipeline: batch size above client maximum, capping",
			"batch_size", opts.BatchSize, "max_batch", limit)
		opts.BatchSize = limit
	}
	if opts.ReloadEveryRows <= 0 {
		opts.ReloadEveryRows = DefaultReloadEveryRows
	}
	if opts.LogEveryRows <= 0 {
		opts.LogEveryRows = DefaultLogEveryRows
	}

	p := &Pipeline{
		sender: sender,
		bounds: bounds,
		opts:   opts,
		batch:  make([]types.Record, 0, opts.BatchSize),
		now:    time.Now,
	}
	p.sum.RunID = opts.RunID
	if p.sum.RunID == "" {
		p.sum.RunID = uuid.NewString()
	}
	p.sum.InvalidReasons = map[string]int{}
	p.start = p.now()
	return p
}

// BatchSize is the effective batch capacity.
func (p *Pipeline) BatchSize() int { return p.opts.BatchSize }

// Pending is the number of records waiting in the current batch.
func (p *Pipeline) Pending() int { return len(p.batch) }

// Enqueue appends rec and flushes when the batch is full.
func (p *Pipeline) Enqueue(ctx context.Context, rec types.Record) {
	p.batch = append(p.batch, rec)
	p.sum.Valid++
	if len(p.batch) >= p.opts.BatchSize {
		p.Flush(ctx)
	}
}

// Flush delivers the current batch, records every outcome and clears the
// batch. An empty batch is a no-op.
func (p *Pipeline) Flush(ctx context.Context) {
	if len(p.batch) == 0 {
		return
	}
	outcomes := Deliver(ctx, p.sender, p.batch)
	at := p.now()
	for i, rec := range p.batch {
		p.record(types.Delivery{Record: rec, Outcome: outcomes[i], At: at})
	}
	p.batch = p.batch[:0]
}

// Finalize flushes the partial batch and returns the run summary.
func (p *Pipeline) Finalize(ctx context.Context) Summary {
	p.Flush(ctx)
	return p.Summary()
}

// ObserveRow counts one input row. Every ReloadEveryRows rows it gives the
// bounds source a chance to reload; every LogEveryRows rows it logs
// progress.
func (p *Pipeline) ObserveRow() {
	p.sum.Processed++
	n := p.sum.Processed
	if n%p.opts.ReloadEveryRows == 0 && p.bounds.MaybeReload(p.now()) {
		slog.Debug("pipeline: validating with new bounds",
			"processed", n, "bounds", p.bounds.Get().String())
	}
	if n%p.opts.LogEveryRows == 0 {
		slog.Info("pipeline: progress",
			"run_id", p.sum.RunID,
			"processed", n,
			"valid", p.sum.Valid,
			"invalid", p.sum.Invalid,
			"accepted", p.sum.Accepted,
			"rejected", p.sum.Rejected,
			"failed", p.sum.Failed)
	}
}

// Invalid counts one row that failed validation with code.
func (p *Pipeline) Invalid(code string) {
	p.sum.Invalid++
	p.sum.InvalidReasons[code]++
}

// Summary returns a copy of the counters so far.
func (p *Pipeline) Summary() Summary {
	s := p.sum
	s.InvalidReasons = make(map[string]int, len(p.sum.InvalidReasons))
	for k, v := range p.sum.InvalidReasons {
		s.InvalidReasons[k] = v
	}
	s.Duration = p.now().Sub(p.start)
	return s
}

func (p *Pipeline) record(d types.Delivery) {
	switch d.Outcome.Kind {
	case types.Accepted:
		p.sum.Accepted++
	case types.Rejected:
		p.sum.Rejected++
	default:
		p.sum.Failed++
	}
	if d.Outcome.Kind != types.Accepted {
		slog.Warn("pipeline: record not delivered",
			"line", d.Record.Line,
			"banner_id", d.Record.BannerID,
			"cookie", types.RedactCookie(d.Record.Cookie),
			"outcome", d.Outcome.Kind.String(),
			"reason", d.Outcome.Reason,
			"status", d.Outcome.Status)
	}
	if p.opts.Recorder == nil {
		return
	}
	if err := p.opts.Recorder.Record(d); err != nil {
		slog.Error("pipeline: recording outcome failed", "line", d.Record.Line, "err", err)
	}
}
