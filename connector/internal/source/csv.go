package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// Column headers of the input file, matched after trimming, case-sensitive.
const (
	ColName     = "Name"
	ColAge      = "Age"
	ColCookie   = "Cookie"
	ColBannerID = "Banner_id"
)

// Required lists the columns every input must carry.
var Required = []string{ColName, ColAge, ColCookie, ColBannerID}

var (
	utf8BOM   = []byte{0xEF, 0xBB, 0xBF}
	gzipMagic = []byte{0x1f, 0x8b}
)

// Row is one non-blank data line keyed by trimmed header. Only the
// required columns are present; short lines are padded with "".
type Row struct {
	Line   int
	Fields map[string]string
}

// HeaderError is fatal: the file cannot be processed.
type HeaderError struct {
	Source    string
	Missing   []string
	Duplicate []string
	Err       error
}

func (e *HeaderError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("source %s: header: %v", e.Source, e.Err)
	case len(e.Duplicate) > 0:
		return fmt.Sprintf("source %s: duplicate headers after trimming: %s", e.Source, strings.Join(e.Duplicate, ", "))
	default:
		return fmt.Sprintf("source %s: missing required headers: %s", e.Source, strings.Join(e.Missing, ", "))
	}
}

func (e *HeaderError) Unwrap() error { return e.Err }

// RowError reports one malformed line. Reading can continue after it.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Reader streams rows from a CSV input.
type Reader struct {
	name    string
	closers []io.Closer
	csv     *csv.Reader
	index   map[string]int // required column -> field position
}

// Open opens the file at path. Gzip input is detected by its magic bytes
// and decompressed transparently.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open: %w", err)
	}
	r, err := newReader(f, path, f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

// NewReader reads CSV from rd. name is used in messages only.
func NewReader(rd io.Reader, name string) (*Reader, error) {
	return newReader(rd, name)
}

func newReader(rd io.Reader, name string, closers ...io.Closer) (*Reader, error) {
	br := bufio.NewReader(rd)
	if magic, _ := br.Peek(len(gzipMagic)); bytes.Equal(magic, gzipMagic) {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("source: gzip: %w", err)
		}
		closers = append(closers, zr)
		br = bufio.NewReader(zr)
	}
	if bom, _ := br.Peek(len(utf8BOM)); bytes.Equal(bom, utf8BOM) {
		br.Discard(len(utf8BOM)) //nolint:errcheck // peeked above
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	r := &Reader{name: name, closers: closers, csv: cr}
	if err := r.readHeader(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) readHeader() error {
	header, err := r.csv.Read()
	if errors.Is(err, io.EOF) {
		slog.Error("source: no header row found", "source", r.name)
		return &HeaderError{Source: r.name, Err: errors.New("no header row")}
	}
	if err != nil {
		return &HeaderError{Source: r.name, Err: err}
	}

	seen := make(map[string]int, len(header))
	var dupes, unknown []string
	for _, h := range header {
		h = strings.TrimSpace(h)
		seen[h]++
		if seen[h] == 2 {
			dupes = append(dupes, h)
		}
	}
	if len(dupes) > 0 {
		sort.Strings(dupes)
		slog.Error("source: duplicate headers after trimming", "source", r.name, "duplicates", dupes)
		return &HeaderError{Source: r.name, Duplicate: dupes}
	}

	var missing []string
	for _, col := range Required {
		if seen[col] == 0 {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		slog.Error("source: missing required headers", "source", r.name, "missing", missing)
		return &HeaderError{Source: r.name, Missing: missing}
	}

	r.index = make(map[string]int, len(Required))
	for i, h := range header {
		h = strings.TrimSpace(h)
		if isRequired(h) {
			r.index[h] = i
		} else {
			unknown = append(unknown, h)
		}
	}
	if len(unknown) > 0 {
		slog.Warn("source: ignoring unknown headers", "source", r.name, "headers", unknown)
	}
	return nil
}

// Next returns the next non-blank row, io.EOF at the end, a *RowError for a
// malformed line, or another error when the input cannot be read further.
func (r *Reader) Next() (Row, error) {
	for {
		rec, err := r.csv.Read()
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return Row{}, &RowError{Line: perr.StartLine, Err: perr.Err}
			}
			return Row{}, err
		}
		line, _ := r.csv.FieldPos(0)

		fields := make(map[string]string, len(r.index))
		blank := true
		for col, i := range r.index {
			v := ""
			if i < len(rec) {
				v = strings.TrimSpace(rec[i])
			}
			if v != "" {
				blank = false
			}
			fields[col] = v
		}
		if blank {
			continue
		}
		return Row{Line: line, Fields: fields}, nil
	}
}

// Close releases the underlying file and decompressor.
func (r *Reader) Close() error {
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func isRequired(h string) bool {
	for _, col := range Required {
		if h == col {
			return true
		}
	}
	return false
}
