package local

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
)

// Store keeps one record per submission handle:
//
//	<root>/<handle>/job.json
//	<root>/<handle>/<stream>_<index>.out
//	<root>/<handle>/<stream>_<index>.err
//
// job.json is only touched under its lockedstore companion lock, so an
// operator's `jobs cancel` and the lifecycle daemon's query never interleave.
// Reads fold in process liveness: a submission whose subjobs have all exited
// is stamped ended the first time it is read.
type Store struct {
	root string
	now  func() time.Time
}

func NewStore(root string) *Store {
	return &Store{root: strings.TrimSpace(root), now: time.Now}
}

// Dir is the directory holding a submission's record and subjob output.
func (s *Store) Dir(h scheduler.Handle) string {
	return filepath.Join(s.root, string(h))
}

// OutputPaths returns where a subjob's stdout and stderr are captured.
func (s *Store) OutputPaths(h scheduler.Handle, stream string, index int) (stdout, stderr string) {
	base := filepath.Join(s.Dir(h), stream+"_"+strconv.Itoa(index))
	return base + ".out", base + ".err"
}

func (s *Store) recordPath(h scheduler.Handle) string {
	return filepath.Join(s.Dir(h), "job.json")
}

func (s *Store) ensureRoot() error {
	if s.root == "" {
		return errors.New("local scheduler root dir is empty")
	}
	return os.MkdirAll(s.root, 0755)
}

// Create writes the first record of a submission.
func (s *Store) Create(rec *Record) error {
	if rec == nil || strings.TrimSpace(rec.Handle) == "" {
		return errors.New("record with a handle is required")
	}
	if err := s.ensureRoot(); err != nil {
		return err
	}
	b, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return lockedstore.WriteLocked(s.recordPath(scheduler.Handle(rec.Handle)), b, lockedstore.DefaultTimeout)
}

// Remove drops a submission and its output.
func (s *Store) Remove(h scheduler.Handle) error {
	return os.RemoveAll(s.Dir(h))
}

// Get loads the record of h with liveness applied. An unknown handle
// returns scheduler.ErrUnknownHandle.
func (s *Store) Get(h scheduler.Handle) (*Record, error) {
	path := s.recordPath(h)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", scheduler.ErrUnknownHandle, h)
	}
	b, err := lockedstore.ReadLocked(path, lockedstore.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	rec, err := decodeRecord(b)
	if err != nil {
		return nil, err
	}
	if rec.markEnded(s.now()) {
		// Re-apply under the write lock; another writer may have raced us.
		return rec, s.Update(h, func(r *Record) error {
			r.markEnded(s.now())
			*rec = *r
			return nil
		})
	}
	return rec, nil
}

// Update applies fn to the record of h and writes it back under one lock.
// The record is written even when fn fails, so state changes that went
// through partially are kept; fn's error is returned.
func (s *Store) Update(h scheduler.Handle, fn func(*Record) error) error {
	path := s.recordPath(h)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownHandle, h)
	}
	var opErr error
	err := lockedstore.UpdateLocked(path, lockedstore.DefaultTimeout, func(cur []byte) ([]byte, error) {
		rec, err := decodeRecord(cur)
		if err != nil {
			return nil, err
		}
		opErr = fn(rec)
		return encodeRecord(rec)
	})
	if err != nil {
		return err
	}
	return opErr
}

// List returns every readable record, newest first.
func (s *Store) List() ([]Record, error) {
	if err := s.ensureRoot(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read scheduler root: %w", err)
	}

	out := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.Get(scheduler.Handle(entry.Name()))
		if err != nil {
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func encodeRecord(rec *Record) ([]byte, error) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	return append(b, '\n'), nil
}

func decodeRecord(b []byte) (*Record, error) {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, errors.New("job.json is empty")
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("parse job.json: %w", err)
	}
	return &rec, nil
}

// pidAlive reports whether pid exists. EPERM still means it exists, owned by
// someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
