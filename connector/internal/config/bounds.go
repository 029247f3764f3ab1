package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/obsidianstack/bannerpush/pkg/types"
)

// ReloadError reports a bounds file that could not be applied. The store
// keeps serving the previous bounds.
type ReloadError struct {
	Path string
	Err  error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("config: reload %s: %v", e.Path, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// BoundsOptions configures a BoundsStore.
type BoundsOptions struct {
	// Path is the bounds file. Empty disables reloading.
	Path string

	// Base is the value used for keys the file does not set
	// (defaults, environment and job config already merged).
	Base types.Bounds

	// PinMin and PinMax are command-line values. They win over the file
	// on startup and on every reload.
	PinMin *int
	PinMax *int

	// Interval is the minimum time between two file checks.
	Interval time.Duration
}

// BoundsStore holds the current age bounds. Get is safe from any goroutine;
// MaybeReload must only be called from the pipeline goroutine.
type BoundsStore struct {
	opts BoundsOptions
	cur  atomic.Pointer[types.Bounds]

	// dirty is set by Watch when the file changed on disk.
	dirty atomic.Bool

	// Reload bookkeeping, owned by the MaybeReload caller.
	nextCheck time.Time
	modTime   time.Time

	stat     func(string) (fs.FileInfo, error) // injectable for tests
	readFile func(string) ([]byte, error)
}

// boundsFile is the on-disk shape. Pointers tell a missing key from zero.
type boundsFile struct {
	MinAge *int `yaml:"min_age"`
	MaxAge *int `yaml:"max_age"`
}

// NewBoundsStore resolves the initial bounds. Unlike a reload, invalid
// bounds at startup are returned as an error. A bounds file that does not
// exist yet is tolerated and picked up once it appears.
func NewBoundsStore(opts BoundsOptions) (*BoundsStore, error) {
	s := &BoundsStore{
		opts:     opts,
		stat:     os.Stat,
		readFile: os.ReadFile,
	}
	if s.opts.Interval < 0 {
		s.opts.Interval = 0
	}

	if opts.Path != "" {
		if fi, err := s.stat(opts.Path); err == nil {
			s.modTime = fi.ModTime()
		} else {
			slog.Warn("config: bounds file not found, using configured bounds",
				"path", opts.Path, "err", err)
		}
	}

	b, err := s.resolve()
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: bounds: %w", err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		b = s.pin(opts.Base)
		if err := b.Validate(); err != nil {
			return nil, fmt.Errorf("config: bounds: %w", err)
		}
	}
	s.cur.Store(&b)
	return s, nil
}

// Get returns the bounds currently in force.
func (s *BoundsStore) Get() types.Bounds {
	return *s.cur.Load()
}

// MarkDirty forces the next due check to re-read the file even when its
// modification time looks unchanged.
func (s *BoundsStore) MarkDirty() {
	s.dirty.Store(true)
}

// MaybeReload re-reads the bounds file if a check is due at now and the
// file changed since the last read. It returns true only when the bounds
// in force actually changed. Failures are logged and leave the current
// bounds untouched.
func (s *BoundsStore) MaybeReload(now time.Time) bool {
	if now.Before(s.nextCheck) {
		return false
	}
	s.nextCheck = now.Add(s.opts.Interval)

	if s.opts.Path == "" {
		return false
	}

	var modTime time.Time
	if fi, err := s.stat(s.opts.Path); err == nil {
		modTime = fi.ModTime()
	}
	dirty := s.dirty.Swap(false)
	if modTime.Equal(s.modTime) && !dirty {
		return false
	}
	// Record the new mtime first so a broken file is not re-read every check.
	s.modTime = modTime

	old := s.Get()
	b, err := s.resolve()
	if err != nil {
		slog.Warn("config: invalid bounds on reload, keeping previous",
			"bounds", old.String(),
			"err", &ReloadError{Path: s.opts.Path, Err: err})
		return false
	}
	if b == old {
		slog.Debug("config: bounds file changed but values are the same",
			"path", s.opts.Path, "bounds", b.String())
		return false
	}

	s.cur.Store(&b)
	slog.Info("config: bounds changed",
		"path", s.opts.Path, "old", old.String(), "new", b.String())
	return true
}

// resolve layers base < file < pins and validates the result.
func (s *BoundsStore) resolve() (types.Bounds, error) {
	b := s.opts.Base
	if s.opts.Path != "" {
		data, err := s.readFile(s.opts.Path)
		if err != nil {
			return types.Bounds{}, err
		}
		var f boundsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return types.Bounds{}, fmt.Errorf("parse %s: %w", s.opts.Path, err)
		}
		if f.MinAge != nil {
			b.MinAge = *f.MinAge
		}
		if f.MaxAge != nil {
			b.MaxAge = *f.MaxAge
		}
	}
	b = s.pin(b)
	if err := b.Validate(); err != nil {
		return types.Bounds{}, err
	}
	return b, nil
}

func (s *BoundsStore) pin(b types.Bounds) types.Bounds {
	if s.opts.PinMin != nil {
		b.MinAge = *s.opts.PinMin
	}
	if s.opts.PinMax != nil {
		b.MaxAge = *s.opts.PinMax
	}
	return b
}
