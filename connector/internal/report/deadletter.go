package report

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"github.com/obsidianstack/bannerpush/pkg/types"
)

// Entry is one line of the dead-letter report.
type Entry struct {
	RunID    string    `json:"run_id"`
	Line     int       `json:"line"`
	Cookie   string    `json:"cookie"`
	BannerID int       `json:"banner_id"`
	Outcome  string    `json:"outcome"`
	Reason   string    `json:"reason"`
	Status   int       `json:"status,omitempty"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// NewEntry builds the report line for d with the cookie redacted.
func NewEntry(runID string, d types.Delivery) Entry {
	e := Entry{
		RunID:    runID,
		Line:     d.Record.Line,
		Cookie:   types.RedactCookie(d.Record.Cookie),
		BannerID: d.Record.BannerID,
		Outcome:  d.Outcome.Kind.String(),
		Reason:   d.Outcome.Reason,
		Status:   d.Outcome.Status,
		At:       d.At.UTC(),
	}
	if d.Outcome.Err != nil {
		e.Error = d.Outcome.Err.Error()
	}
	return e
}

// DeadLetter writes report entries to a file. It is not safe for
// concurrent use.
type DeadLetter struct {
	path  string
	runID string

	f   *os.File
	gz  *gzip.Writer
	bw  *bufio.Writer
	enc *json.Encoder

	n int
}

// OpenDeadLetter creates (or truncates) the report at path.
func OpenDeadLetter(path, runID string) (*DeadLetter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("report: open dead-letter: %w", err)
	}
	d := &DeadLetter{path: path, runID: runID, f: f}

	var w io.Writer = f
	if strings.HasSuffix(path, ".gz") {
		d.gz = gzip.NewWriter(f)
		w = d.gz
	}
	d.bw = bufio.NewWriter(w)
	d.enc = json.NewEncoder(d.bw)
	return d, nil
}

// Record appends d unless it was accepted.
func (d *DeadLetter) Record(del types.Delivery) error {
	if del.Outcome.Kind == types.Accepted {
		return nil
	}
	if err := d.enc.Encode(NewEntry(d.runID, del)); err != nil {
		return fmt.Errorf("report: write dead-letter: %w", err)
	}
	d.n++
	return nil
}

// Count is the number of entries written so far.
func (d *DeadLetter) Count() int { return d.n }

// Path is the report file name.
func (d *DeadLetter) Path() string { return d.path }

// Close flushes buffered entries, finishes the gzip stream and closes the
// file.
func (d *DeadLetter) Close() error {
	err := d.bw.Flush()
	if d.gz != nil {
		if cerr := d.gz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("report: close dead-letter: %w", err)
	}
	return nil
}

// ReadEntries decodes a report written by DeadLetter, gzipped or not.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("report: open: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("report: gzip: %w", err)
		}
		defer gz.Close()
		r = gz
	}

	var out []Entry
	dec := json.NewDecoder(r)
	for {
		var e Entry
		err := dec.Decode(&e)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("report: decode line %d: %w", len(out)+1, err)
		}
		out = append(out, e)
	}
}
