// Package filestore persists the triage state as a JSON document on local
// disk.
//
// Writes go to a temp file in the same directory, which is fsynced and
// renamed over the target before the directory itself is fsynced, so a crash
// leaves either the previous or the new document. Save holds an exclusive
// flock on <path>.lock for its read-merge-write cycle; when the document on
// disk moved past the revision that was loaded, its records are merged in
// rather than overwritten.
package filestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/secnews/internal/feed"
	"github.com/linnemanlabs/secnews/internal/triage"
)

const (
	lockSuffix = ".lock"
	lockPoll   = 50 * time.Millisecond
	filePerm   = 0o600

	reasonImported = "imported"
)

var errCorrupt = errors.New("corrupt state document")

// ErrReadOnly is returned by Save on a store opened with NewReadOnly.
var ErrReadOnly = errors.New("filestore: store is read-only")

// Store reads and writes the state document at a fixed path.
type Store struct {
	path     string
	logger   log.Logger
	now      func() time.Time
	readOnly bool
}

// New returns a Store for path, creating the parent directory if needed.
func New(path string, logger log.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("filestore: empty path")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	return &Store{path: path, logger: logger, now: time.Now}, nil
}

// NewReadOnly returns a Store that only reads path. It takes no lock, never
// moves a bad document aside and refuses to Save, so a reader cannot disturb
// the state of the pipeline writing it.
func NewReadOnly(path string, logger log.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("filestore: empty path")
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Store{path: path, logger: logger, now: time.Now, readOnly: true}, nil
}

// Path returns the document path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state document. A missing document yields an empty state.
// An unreadable one is moved aside to <path>.corrupt-<unix> and yields an
// empty state plus an error wrapping triage.ErrStateLoad.
func (s *Store) Load(ctx context.Context) (*triage.State, error) {
	if s.readOnly {
		return s.loadReadOnly()
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return triage.NewState(), fmt.Errorf("%w: %w", triage.ErrStateLoad, err)
	}
	defer unlock()

	st, err := s.read()
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, fs.ErrNotExist):
		return triage.NewState(), nil
	case errors.Is(err, errCorrupt):
		if dst, qerr := s.quarantine(); qerr != nil {
			s.logger.Error(ctx, qerr, "failed to move corrupt state aside", "path", s.path)
		} else {
			s.logger.Warn(ctx, "corrupt state moved aside", "path", s.path, "moved_to", dst)
		}
		return triage.NewState(), fmt.Errorf("%w: %w", triage.ErrStateLoad, err)
	default:
		return triage.NewState(), fmt.Errorf("%w: %w", triage.ErrStateLoad, err)
	}
}

// Save writes st atomically and bumps its revision. Records written by
// another run since st was loaded are merged into st first.
func (s *Store) Save(ctx context.Context, st *triage.State) error {
	if s.readOnly {
		return fmt.Errorf("%w: %w", triage.ErrStateSave, ErrReadOnly)
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", triage.ErrStateSave, err)
	}
	defer unlock()

	base := st.Revision
	cur, err := s.read()
	switch {
	case err == nil:
		if cur.Revision != st.Revision {
			s.logger.Warn(ctx, "state changed since load, merging",
				"loaded_revision", st.Revision,
				"current_revision", cur.Revision,
			)
			st.Merge(cur)
		}
		base = max(st.Revision, cur.Revision)
	case errors.Is(err, fs.ErrNotExist):
	case errors.Is(err, errCorrupt):
		if dst, qerr := s.quarantine(); qerr == nil {
			s.logger.Warn(ctx, "corrupt state moved aside before save", "moved_to", dst)
		}
	default:
		return fmt.Errorf("%w: %w", triage.ErrStateSave, err)
	}

	out := *st
	out.Revision = base + 1
	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %w", triage.ErrStateSave, err)
	}
	if err := writeAtomic(s.path, data, filePerm); err != nil {
		return fmt.Errorf("%w: %w", triage.ErrStateSave, err)
	}

	st.Revision = out.Revision
	return nil
}

// loadReadOnly needs no lock: writers replace the document by rename, so a
// read sees either the old or the new file.
func (s *Store) loadReadOnly() (*triage.State, error) {
	st, err := s.read()
	switch {
	case err == nil:
		return st, nil
	case errors.Is(err, fs.ErrNotExist):
		return triage.NewState(), nil
	default:
		return nil, fmt.Errorf("%w: %w", triage.ErrStateLoad, err)
	}
}

func (s *Store) read() (*triage.State, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	return decode(raw, s.now().UTC())
}

// legacyDocument is the list-based layout written before versioned state.
type legacyDocument struct {
	Seen       []string `json:"seen"`
	SeenLinks  []string `json:"seen_links"`
	PromptHash string   `json:"prompt_hash"`
}

func decode(raw []byte, now time.Time) (*triage.State, error) {
	var st triage.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}

	switch {
	case st.Version == 0:
		var lg legacyDocument
		if err := json.Unmarshal(raw, &lg); err != nil {
			return nil, fmt.Errorf("%w: %w", errCorrupt, err)
		}
		return fromLegacy(&lg, now), nil
	case st.Version > triage.StateVersion:
		return nil, fmt.Errorf("%w: unsupported version %d", errCorrupt, st.Version)
	}

	if st.Entries == nil {
		st.Entries = make(map[string]triage.Record)
	}
	return &st, nil
}

// fromLegacy converts remembered links into SKIP records so old items are
// not judged again after an upgrade.
func fromLegacy(lg *legacyDocument, now time.Time) *triage.State {
	st := triage.NewState()
	for _, link := range append(lg.SeenLinks, lg.Seen...) {
		if !strings.HasPrefix(link, "http://") && !strings.HasPrefix(link, "https://") {
			continue
		}
		id := feed.LinkID(link)
		if id == "" || st.HasSeen(id) {
			continue
		}
		st.MarkSeen(id, triage.Record{
			Decision:    triage.DecisionSkip,
			ProcessedAt: now,
			Link:        feed.CanonicalURL(link),
			Reason:      reasonImported,
		})
	}
	return st
}

func (s *Store) quarantine() (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
	if err := os.Rename(s.path, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// lock takes an exclusive flock on the lock file, polling until ctx is done.
func (s *Store) lock(ctx context.Context) (func(), error) {
	f, err := os.OpenFile(s.path+lockSuffix, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	fd := int(f.Fd()) //nolint:gosec // fd fits in int

	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("waiting for state lock: %w", ctx.Err())
		case <-time.After(lockPoll):
		}
	}

	return func() {
		_ = unix.Flock(fd, unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

// writeAtomic replaces path with data via temp file, fsync, rename and a
// directory fsync.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("writing state data: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("syncing temp state file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp state file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming state file to %s: %w", path, err)
	}
	success = true

	d, err := os.Open(dir) //nolint:gosec // dir of the configured state path
	if err != nil {
		return fmt.Errorf("open state directory: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing state directory: %w", err)
	}
	return nil
}
