package metrics

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/obsidianstack/bannerpush/connector/internal/pipeline"
	"github.com/obsidianstack/bannerpush/connector/internal/transport"
)

const namespace = "bannerpush_"

// Run is everything exported about one run.
type Run struct {
	Summary  pipeline.Summary
	Stats    transport.Stats
	ExitCode int
	Finished time.Time
}

// Families converts r into metric families keyed by name. Counters hold this
// run's values only.
func Families(r Run) map[string]*dto.MetricFamily {
	s := r.Summary
	mfs := map[string]*dto.MetricFamily{}
	add := func(mf *dto.MetricFamily) { mfs[mf.GetName()] = mf }

	add(counter("runs_total", "Completed connector runs.", series(1)))
	add(counter("rows_processed_total", "Input rows read, excluding blank lines.", series(float64(s.Processed))))

	reasons := make([]*dto.Metric, 0, len(s.InvalidReasons))
	for code, n := range s.InvalidReasons {
		reasons = append(reasons, series(float64(n), "reason", code))
	}
	add(counter("rows_invalid_total", "Rows rejected by validation, by reason code.", reasons...))

	add(counter("records_delivered_total", "Valid records by delivery outcome.",
		series(float64(s.Accepted), "outcome", "accepted"),
		series(float64(s.Rejected), "outcome", "rejected"),
		series(float64(s.Failed), "outcome", "failed"),
	))
	add(counter("http_requests_total", "Requests sent to the send endpoints.", series(float64(r.Stats.Requests))))
	add(counter("http_retries_total", "Backoff waits taken before retrying a send.", series(float64(r.Stats.Retries))))
	add(counter("token_refreshes_total", "Forced token refreshes after a 401.", series(float64(r.Stats.Refreshes))))

	add(gauge("last_run_timestamp_seconds", "Unix time the last run finished.", float64(r.Finished.Unix())))
	add(gauge("last_run_duration_seconds", "Wall time of the last run.", s.Duration.Seconds()))
	add(gauge("last_run_exit_code", "Exit status of the last run.", float64(r.ExitCode)))
	return mfs
}

// WriteFile accumulates r onto the counters already in path and replaces
// the file atomically. A missing or unparsable previous file starts the
// counters from zero.
func WriteFile(path string, r Run) error {
	cur := Families(r)

	prev, err := ReadFile(path)
	switch {
	case err == nil:
		accumulate(cur, prev)
	case !errors.Is(err, fs.ErrNotExist):
		slog.Warn("metrics: previous file unreadable, counters restart", "path", path, "err", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("metrics: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if err := Write(tmp, cur); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("metrics: chmod: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("metrics: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("metrics: rename: %w", err)
	}
	slog.Info("metrics: file updated", "path", path,
		"runs", total(cur[namespace+"runs_total"]),
		"rows_processed", total(cur[namespace+"rows_processed_total"]),
		"rows_invalid", total(cur[namespace+"rows_invalid_total"]),
		"records_delivered", total(cur[namespace+"records_delivered_total"]))
	return nil
}

// Write renders mfs to w in name order. Families without series are
// skipped.
func Write(w io.Writer, mfs map[string]*dto.MetricFamily) error {
	names := make([]string, 0, len(mfs))
	for name, mf := range mfs {
		if len(mf.GetMetric()) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if _, err := expfmt.MetricFamilyToText(w, mfs[name]); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", name, err)
		}
	}
	return nil
}

// ReadFile parses a text exposition file. The returned error wraps
// fs.ErrNotExist when there is no file yet.
func ReadFile(path string) (map[string]*dto.MetricFamily, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metrics: open: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse decodes a Prometheus text exposition. A partial result with a
// non-fatal parse warning is still returned.
func Parse(r io.Reader) (map[string]*dto.MetricFamily, error) {
	var parser expfmt.TextParser
	mfs, err := parser.TextToMetricFamilies(r)
	if err != nil && len(mfs) == 0 {
		return nil, fmt.Errorf("metrics: parse: %w", err)
	}
	return mfs, nil
}

// total adds every sample of mf. A missing family is 0.
func total(mf *dto.MetricFamily) float64 {
	var n float64
	for _, m := range mf.GetMetric() {
		v, _ := sampleValue(m)
		n += v
	}
	return n
}

// Value returns the value of the series in mf whose labels equal the given
// name/value pairs, and whether it exists.
func Value(mf *dto.MetricFamily, labels ...string) (float64, bool) {
	want := signature(series(0, labels...))
	for _, m := range mf.GetMetric() {
		if signature(m) == want {
			return sampleValue(m)
		}
	}
	return 0, false
}

func sampleValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Untyped != nil:
		return m.Untyped.GetValue(), true
	}
	return 0, false
}

// accumulate adds previous counter values into cur. Series only present in
// prev are carried over unchanged.
func accumulate(cur, prev map[string]*dto.MetricFamily) {
	for name, mf := range cur {
		if mf.GetType() != dto.MetricType_COUNTER {
			continue
		}
		old, ok := prev[name]
		if !ok || old.GetType() != dto.MetricType_COUNTER {
			continue
		}
		bySig := make(map[string]*dto.Metric, len(mf.Metric))
		for _, m := range mf.Metric {
			bySig[signature(m)] = m
		}
		for _, om := range old.GetMetric() {
			v := om.GetCounter().GetValue()
			if m, ok := bySig[signature(om)]; ok {
				m.Counter.Value = ptr(m.Counter.GetValue() + v)
				continue
			}
			mf.Metric = append(mf.Metric, &dto.Metric{
				Label:   om.Label,
				Counter: &dto.Counter{Value: ptr(v)},
			})
		}
		sortSeries(mf)
	}
}

func counter(name, help string, ms ...*dto.Metric) *dto.MetricFamily {
	for _, m := range ms {
		m.Counter = &dto.Counter{Value: m.Untyped.Value}
		m.Untyped = nil
	}
	mf := &dto.MetricFamily{
		Name:   ptr(namespace + name),
		Help:   ptr(help),
		Type:   dto.MetricType_COUNTER.Enum(),
		Metric: ms,
	}
	sortSeries(mf)
	return mf
}

func gauge(name, help string, v float64) *dto.MetricFamily {
	return &dto.MetricFamily{
		Name:   ptr(namespace + name),
		Help:   ptr(help),
		Type:   dto.MetricType_GAUGE.Enum(),
		Metric: []*dto.Metric{{Gauge: &dto.Gauge{Value: ptr(v)}}},
	}
}

// series builds an untyped sample; counter() converts it.
func series(v float64, labels ...string) *dto.Metric {
	m := &dto.Metric{Untyped: &dto.Untyped{Value: ptr(v)}}
	for i := 0; i+1 < len(labels); i += 2 {
		m.Label = append(m.Label, &dto.LabelPair{Name: ptr(labels[i]), Value: ptr(labels[i+1])})
	}
	return m
}

func signature(m *dto.Metric) string {
	pairs := make([]string, 0, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		pairs = append(pairs, lp.GetName()+"="+lp.GetValue())
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func sortSeries(mf *dto.MetricFamily) {
	sort.Slice(mf.Metric, func(i, j int) bool {
		return signature(mf.Metric[i]) < signature(mf.Metric[j])
	})
}

func ptr[T any](v T) *T { return &v }
