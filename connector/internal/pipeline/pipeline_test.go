package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/obsidianstack/bannerpush/pkg/types"
)

// fakeSender scripts outcomes and records every call.
type fakeSender struct {
	max    int
	bulk   func(recs []types.Record) types.Outcome
	single func(rec types.Record) types.Outcome

	bulkSizes []int
	singles   []int // BannerID of each single send, in order
}

func (f *fakeSender) MaxBatch() int { return f.max }

func (f *fakeSender) SendBulk(ctx context.Context, recs []types.Record) types.Outcome {
	f.bulkSizes = append(f.bulkSizes, len(recs))
	if ctx.Err() != nil {
		return types.FailedOutcome(0, types.ReasonCanceled, ctx.Err())
	}
	if f.bulk == nil {
		return types.AcceptedOutcome(200)
	}
	return f.bulk(recs)
}

func (f *fakeSender) SendSingle(ctx context.Context, rec types.Record) types.Outcome {
	f.singles = append(f.singles, rec.BannerID)
	if f.single == nil {
		return types.AcceptedOutcome(200)
	}
	return f.single(rec)
}

// fakeBounds swaps to next on the first reload.
type fakeBounds struct {
	cur     types.Bounds
	next    *types.Bounds
	reloads int
}

func (f *fakeBounds) Get() types.Bounds { return f.cur }

func (f *fakeBounds) MaybeReload(time.Time) bool {
	f.reloads++
	if f.next == nil {
		return false
	}
	f.cur, f.next = *f.next, nil
	return true
}

// recorder collects deliveries.
type recorder struct {
	got []types.Delivery
	err error
}

func (r *recorder) Record(d types.Delivery) error {
	r.got = append(r.got, d)
	return r.err
}

func records(ids ...int) []types.Record {
	out := make([]types.Record, len(ids))
	for i, id := range ids {
		out[i] = types.Record{Name: "Ann", Age: 30, Cookie: "c", BannerID: id, Line: i + 2}
	}
	return out
}

func kinds(outs []types.Outcome) []types.OutcomeKind {
	k := make([]types.OutcomeKind, len(outs))
	for i, o := range outs {
		k[i] = o.Kind
	}
	return k
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDeliver_BulkAccepted(t *testing.T) {
	s := &fakeSender{max: 1000}
	outs := Deliver(context.Background(), s, records(1, 2, 3))
	if len(s.bulkSizes) != 1 || len(s.singles) != 0 {
		t.Errorf("bulk calls = %v, singles = %v", s.bulkSizes, s.singles)
	}
	for i, o := range outs {
		if o.Kind != types.Accepted {
			t.Errorf("outcome[%d] = %v, want accepted", i, o.Kind)
		}
	}
}

func TestDeliver_FallbackPerRecord(t *testing.T) {
	s := &fakeSender{
		max:  1000,
		bulk: func([]types.Record) types.Outcome { return types.RejectedOutcome(400, types.ReasonBadRequest) },
		single: func(rec types.Record) types.Outcome {
			if rec.BannerID == 2 {
				return types.RejectedOutcome(400, types.ReasonBadRequest)
			}
			return types.AcceptedOutcome(200)
		},
	}
	outs := Deliver(context.Background(), s, records(1, 2, 3))

	if !equalInts(s.singles, []int{1, 2, 3}) {
		t.Errorf("single sends = %v, want [1 2 3] in order", s.singles)
	}
	want := []types.OutcomeKind{types.Accepted, types.Rejected, types.Accepted}
	got := kinds(outs)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("outcomes = %v, want %v", got, want)
			break
		}
	}
	if outs[1].Reason != types.ReasonBadRequest || outs[1].Status != 400 {
		t.Errorf("rejected outcome = %+v", outs[1])
	}
}

func TestDeliver_BulkFailedNoFallback(t *testing.T) {
	cause := errors.New("503 forever")
	s := &fakeSender{
		max:  1000,
		bulk: func([]types.Record) types.Outcome { return types.FailedOutcome(503, types.ReasonRetryExhausted, cause) },
	}
	outs := Deliver(context.Background(), s, records(1, 2))
	if len(s.singles) != 0 {
		t.Errorf("single sends = %v, want none", s.singles)
	}
	for i, o := range outs {
		if o.Kind != types.Failed || !errors.Is(o.Err, cause) || o.Reason != types.ReasonRetryExhausted {
			t.Errorf("outcome[%d] = %+v, want failed with bulk cause", i, o)
		}
	}
}

func TestDeliver_AuthFailureStopsFallback(t *testing.T) {
	cause := errors.New("401 after refresh")
	s := &fakeSender{
		max:  1000,
		bulk: func([]types.Record) types.Outcome { return types.RejectedOutcome(400, types.ReasonBadRequest) },
		single: func(rec types.Record) types.Outcome {
			if rec.BannerID == 2 {
				return types.FailedOutcome(401, types.ReasonUnauthorized, cause)
			}
			return types.AcceptedOutcome(200)
		},
	}
	outs := Deliver(context.Background(), s, records(1, 2, 3, 4))

	if !equalInts(s.singles, []int{1, 2}) {
		t.Errorf("single sends = %v, want [1 2]", s.singles)
	}
	if outs[0].Kind != types.Accepted {
		t.Errorf("outcome[0] = %+v, want accepted", outs[0])
	}
	for i := 1; i < len(outs); i++ {
		o := outs[i]
		if o.Kind != types.Failed || o.Reason != types.ReasonUnauthorized || !errors.Is(o.Err, cause) {
			t.Errorf("outcome[%d] = %+v, want failed UNAUTHORIZED with the send's cause", i, o)
		}
	}

	// The next batch is still attempted.
	s.singles = nil
	Deliver(context.Background(), s, records(5, 6))
	if !equalInts(s.singles, []int{5, 6}) {
		t.Errorf("next batch single sends = %v, want [5 6]", s.singles)
	}
}

func TestDeliver_Empty(t *testing.T) {
	s := &fakeSender{max: 1000}
	if outs := Deliver(context.Background(), s, nil); outs != nil {
		t.Errorf("outcomes = %v, want nil", outs)
	}
	if len(s.bulkSizes) != 0 {
		t.Error("empty batch must not be sent")
	}
}

func TestPipeline_BatchSizeCapped(t *testing.T) {
	s := &fakeSender{max: 3}
	p := New(s, &fakeBounds{cur: types.DefaultBounds}, Options{BatchSize: 10})
	if p.BatchSize() != 3 {
		t.Fatalf("BatchSize = %d, want 3", p.BatchSize())
	}
	ctx := context.Background()
	for _, rec := range records(1, 2, 3, 4, 5, 6, 7) {
		p.Enqueue(ctx, rec)
	}
	if !equalInts(s.bulkSizes, []int{3, 3}) {
		t.Errorf("bulk sizes = %v, want [3 3]", s.bulkSizes)
	}
	if p.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", p.Pending())
	}
	sum := p.Finalize(ctx)
	if !equalInts(s.bulkSizes, []int{3, 3, 1}) {
		t.Errorf("bulk sizes = %v, want [3 3 1]", s.bulkSizes)
	}
	if sum.Valid != 7 || sum.Accepted != 7 {
		t.Errorf("summary = %+v", sum)
	}
	if p.Pending() != 0 {
		t.Errorf("Pending after Finalize = %d", p.Pending())
	}
}

func TestPipeline_DefaultBatchSize(t *testing.T) {
	p := New(&fakeSender{max: 1000}, &fakeBounds{}, Options{})
	if p.BatchSize() != 1000 {
		t.Errorf("BatchSize = %d, want 1000", p.BatchSize())
	}
}

func TestPipeline_FlushEmpty(t *testing.T) {
	s := &fakeSender{max: 10}
	p := New(s, &fakeBounds{}, Options{})
	p.Flush(context.Background())
	if len(s.bulkSizes) != 0 {
		t.Errorf("bulk sizes = %v, want none", s.bulkSizes)
	}
}

func TestPipeline_ReloadCadence(t *testing.T) {
	b := &fakeBounds{cur: types.DefaultBounds}
	p := New(&fakeSender{max: 10}, b, Options{ReloadEveryRows: 3})
	for i := 0; i < 10; i++ {
		p.ObserveRow()
	}
	if b.reloads != 3 {
		t.Errorf("reload checks = %d, want 3", b.reloads)
	}
	if got := p.Summary().Processed; got != 10 {
		t.Errorf("Processed = %d, want 10", got)
	}
}

func TestPipeline_RecordsOutcomes(t *testing.T) {
	s := &fakeSender{
		max:  10,
		bulk: func([]types.Record) types.Outcome { return types.RejectedOutcome(400, types.ReasonBadRequest) },
		single: func(rec types.Record) types.Outcome {
			switch rec.BannerID {
			case 2:
				return types.RejectedOutcome(400, types.ReasonBadRequest)
			case 3:
				return types.FailedOutcome(503, types.ReasonRetryExhausted, errors.New("busy"))
			}
			return types.AcceptedOutcome(201)
		},
	}
	rec := &recorder{err: errors.New("disk full")}
	p := New(s, &fakeBounds{}, Options{Recorder: rec})
	ctx := context.Background()
	for _, r := range records(1, 2, 3) {
		p.Enqueue(ctx, r)
	}
	sum := p.Finalize(ctx)

	if sum.Accepted != 1 || sum.Rejected != 1 || sum.Failed != 1 {
		t.Errorf("summary = %+v", sum)
	}
	if len(rec.got) != 3 {
		t.Fatalf("recorded = %d, want 3", len(rec.got))
	}
	for i, d := range rec.got {
		if d.Record.BannerID != i+1 {
			t.Errorf("recorded[%d] banner = %d, want %d", i, d.Record.BannerID, i+1)
		}
		if d.At.IsZero() {
			t.Errorf("recorded[%d] has no timestamp", i)
		}
	}
}

func TestSummary_ExitCode(t *testing.T) {
	tests := []struct {
		name          string
		sum           Summary
		failOnInvalid bool
		want          int
	}{
		{"clean", Summary{Processed: 3, Valid: 3, Accepted: 3}, false, ExitOK},
		{"invalid rows tolerated", Summary{Invalid: 2}, false, ExitOK},
		{"invalid rows fail", Summary{Invalid: 2}, true, ExitFail},
		{"rejected", Summary{Rejected: 1}, false, ExitFail},
		{"failed", Summary{Failed: 1}, false, ExitFail},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.sum.ExitCode(tc.failOnInvalid); got != tc.want {
				t.Errorf("ExitCode = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestSummary_Copy(t *testing.T) {
	p := New(&fakeSender{max: 10}, &fakeBounds{}, Options{})
	p.Invalid("BAD_UUID")
	s := p.Summary()
	s.InvalidReasons["BAD_UUID"] = 99
	if p.Summary().InvalidReasons["BAD_UUID"] != 1 {
		t.Error("Summary shares its reasons map with the pipeline")
	}
	if s.RunID == "" {
		t.Error("RunID is empty")
	}
}
