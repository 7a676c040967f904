package unitofwork

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
)

// Phase is the unit-level progress written next to the unit's outputs.
type Phase string

const (
	PhaseRunning   Phase = "running"
	PhaseFinished  Phase = "finished"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// DefaultStatusFile is the status document name inside a work directory.
const DefaultStatusFile = "job_status.yaml"

// Status is the locally written progress record of one unit. The lifecycle
// daemon copies it into the registry; the convergence daemon owns it.
type Status struct {
	Phase     Phase             `yaml:"phase"`
	Message   string            `yaml:"message,omitempty"`
	Streams   map[string]string `yaml:"streams,omitempty"`
	UpdatedAt time.Time         `yaml:"updated_at"`

	// StartedAt is when the unit was handed to the scheduler. The wall time
	// limit counts from here; it is written once and never moved.
	StartedAt time.Time `yaml:"started_at,omitempty"`
}

// Settled reports whether the phase was decided by an operator or a fatal
// error; the convergence daemon must not replace it with finished.
func (p Phase) Settled() bool {
	return p == PhaseCancelled || p == PhaseFailed
}

// Summary is the single-line text stored in the registry.
func (s *Status) Summary() string {
	if s == nil {
		return ""
	}
	if s.Message != "" {
		return fmt.Sprintf("%s: %s", s.Phase, s.Message)
	}
	return string(s.Phase)
}

// ReadStatus loads the status document. A missing file yields (nil, nil).
func ReadStatus(path string, timeout time.Duration) (*Status, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	b, err := lockedstore.ReadLocked(path, timeout)
	if err != nil {
		return nil, err
	}
	var st Status
	if err := yaml.Unmarshal(b, &st); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return &st, nil
}

// WriteStatus stamps UpdatedAt and replaces the status document.
func WriteStatus(path string, st *Status, timeout time.Duration) error {
	if st == nil {
		return errors.New("status is nil")
	}
	b, err := marshalStatus(st)
	if err != nil {
		return err
	}
	return lockedstore.WriteLocked(path, b, timeout)
}

// UpdateStatus applies fn to the current document (or an empty one) and
// writes it back. The read and the write happen under one exclusive lock, so
// concurrent updaters never lose each other's changes.
func UpdateStatus(path string, timeout time.Duration, fn func(*Status)) error {
	return lockedstore.UpdateLocked(path, timeout, func(cur []byte) ([]byte, error) {
		st := &Status{Phase: PhaseRunning}
		if len(bytes.TrimSpace(cur)) > 0 {
			if err := yaml.Unmarshal(cur, st); err != nil {
				return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
			}
		}
		if st.Streams == nil {
			st.Streams = make(map[string]string)
		}
		fn(st)
		return marshalStatus(st)
	})
}

func marshalStatus(st *Status) ([]byte, error) {
	st.UpdatedAt = time.Now().UTC()
	b, err := yaml.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal status: %w", err)
	}
	return b, nil
}

// StampStarted records at as the unit's start time unless one is already
// present, and returns the start time now in the document.
func StampStarted(path string, timeout time.Duration, at time.Time) (time.Time, error) {
	var started time.Time
	err := UpdateStatus(path, timeout, func(s *Status) {
		if s.StartedAt.IsZero() {
			s.StartedAt = at.UTC()
		}
		started = s.StartedAt
	})
	return started, err
}
