package registry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
)

// Submission is one line of the submission log, written by the planner.
type Submission struct {
	ID              int64     `json:"id"`
	SubmittedAt     time.Time `json:"submitted_at"`
	UnitID          string    `json:"unit_id,omitempty"`
	Owner           string    `json:"owner,omitempty"`
	WorkDir         string    `json:"workdir"`
	SettingsPath    string    `json:"settings_path"`
	SchedulerHandle string    `json:"scheduler_handle"`
	Streams         []string  `json:"streams,omitempty"`
}

// Record converts a submission into a fresh SUBMITTED record.
func (s Submission) Record() *JobRecord {
	return &JobRecord{
		ID:              s.ID,
		UnitID:          s.UnitID,
		Owner:           s.Owner,
		SubmissionDate:  s.SubmittedAt,
		WorkDir:         s.WorkDir,
		SettingsPath:    s.SettingsPath,
		SchedulerHandle: s.SchedulerHandle,
		Streams:         append([]string(nil), s.Streams...),
		State:           StateSubmitted,
		Status:          "submitted",
	}
}

// SubmissionLog is the append-only JSON-lines file through which new units
// reach the registry. IDs are assigned under an exclusive lock and strictly
// increase; lines are never rewritten.
type SubmissionLog struct {
	path        string
	lockTimeout time.Duration
}

func NewSubmissionLog(path string, lockTimeout time.Duration) *SubmissionLog {
	return &SubmissionLog{path: strings.TrimSpace(path), lockTimeout: lockTimeout}
}

func (l *SubmissionLog) Path() string {
	return l.path
}

// Append assigns the next ID to sub and appends it.
func (l *SubmissionLog) Append(sub Submission) (Submission, error) {
	if l.path == "" {
		return sub, errors.New("submission log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return sub, fmt.Errorf("create submission log dir: %w", err)
	}

	lk, err := lockedstore.Acquire(l.path, lockedstore.Exclusive, l.lockTimeout)
	if err != nil {
		return sub, err
	}
	defer func() { _ = lk.Release() }()

	existing, err := l.readAll()
	if err != nil {
		return sub, err
	}
	torn, err := endsWithoutNewline(l.path)
	if err != nil {
		return sub, err
	}
	var last int64
	for _, e := range existing {
		if e.ID > last {
			last = e.ID
		}
	}
	sub.ID = last + 1
	if sub.SubmittedAt.IsZero() {
		sub.SubmittedAt = time.Now().UTC()
	}

	b, err := json.Marshal(sub)
	if err != nil {
		return sub, fmt.Errorf("marshal submission: %w", err)
	}
	b = append(b, '\n')
	if torn {
		b = append([]byte{'\n'}, b...)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return sub, fmt.Errorf("open submission log: %w", err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return sub, fmt.Errorf("append submission: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return sub, fmt.Errorf("sync submission log: %w", err)
	}
	if err := f.Close(); err != nil {
		return sub, fmt.Errorf("close submission log: %w", err)
	}
	return sub, nil
}

// Since returns the submissions with an ID greater than after, ascending.
func (l *SubmissionLog) Since(after int64) ([]Submission, error) {
	if _, err := os.Stat(l.path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	lk, err := lockedstore.Acquire(l.path, lockedstore.Shared, l.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() { _ = lk.Release() }()

	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	out := make([]Submission, 0, len(all))
	for _, s := range all {
		if s.ID > after {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// readAll parses the log; callers hold the lock. Lines that do not decode
// (a crash mid-append leaves a torn line) carry no ID and are skipped.
func (l *SubmissionLog) readAll() ([]Submission, error) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read submission log: %w", err)
	}

	var out []Submission
	sc := bufio.NewScanner(bytes.NewReader(b))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var s Submission
		if err := json.Unmarshal(text, &s); err != nil || s.ID <= 0 {
			continue
		}
		out = append(out, s)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan submission log: %w", err)
	}
	return out, nil
}

func endsWithoutNewline(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open submission log: %w", err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return false, fmt.Errorf("stat submission log: %w", err)
	}
	if fi.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, fi.Size()-1); err != nil {
		return false, fmt.Errorf("read submission log: %w", err)
	}
	return last[0] != '\n', nil
}
