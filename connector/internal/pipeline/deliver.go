package pipeline

import (
	"context"
	"log/slog"

	"github.com/obsidianstack/bannerpush/pkg/types"
)

// Sender delivers records. *transport.Client implements it.
type Sender interface {
	SendBulk(ctx context.Context, recs []types.Record) types.Outcome
	SendSingle(ctx context.Context, rec types.Record) types.Outcome
	MaxBatch() int
}

// Deliver sends batch and returns one outcome per record, index-aligned
// with batch. When the bulk payload is rejected each record is sent on its
// own; an auth failure on one of those sends fails the rest of the batch
// without sending it.
func Deliver(ctx context.Context, s Sender, batch []types.Record) []types.Outcome {
	if len(batch) == 0 {
		return nil
	}
	out := make([]types.Outcome, len(batch))

	bulk := s.SendBulk(ctx, batch)
	if bulk.Kind != types.Rejected {
		for i := range out {
			out[i] = bulk
		}
		return out
	}

	slog.Warn("pipeline: bulk payload rejected, falling back to single sends",
		"size", len(batch), "status", bulk.Status)
	for i, rec := range batch {
		out[i] = s.SendSingle(ctx, rec)
		if !authFailed(out[i]) {
			continue
		}
		if rest := len(batch) - i - 1; rest > 0 {
			slog.Error("pipeline: auth failed during single sends, failing rest of batch",
				"remaining", rest, "err", out[i].Err)
		}
		for j := i + 1; j < len(batch); j++ {
			out[j] = types.FailedOutcome(out[i].Status, types.ReasonUnauthorized, out[i].Err)
		}
		break
	}
	return out
}

func authFailed(o types.Outcome) bool {
	return o.Kind == types.Failed && o.Reason == types.ReasonUnauthorized
}
