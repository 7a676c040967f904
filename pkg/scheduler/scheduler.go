// Package scheduler defines the contract between the orchestrator and a
// batch scheduler. Concrete bindings live in subpackages.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Status is the scheduler-reported state of a submitted handle.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
	StatusHeld    Status = "held"
	StatusDone    Status = "done"

	// StatusAbsent is never returned by Query; a handle missing from the
	// query result is absent.
	StatusAbsent Status = "absent"
)

// Aggregate folds the statuses of a handle's subjobs into one. Held wins
// over running, running over idle; a handle with no subjobs is absent.
func Aggregate(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusAbsent
	}
	var running, idle bool
	for _, s := range statuses {
		switch s {
		case StatusHeld:
			return StatusHeld
		case StatusRunning:
			running = true
		case StatusIdle:
			idle = true
		}
	}
	switch {
	case running:
		return StatusRunning
	case idle:
		return StatusIdle
	default:
		return StatusDone
	}
}

// Priority is the small fixed set of scheduling priorities.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return "priority(" + strconv.Itoa(int(p)) + ")"
	}
}

func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// ParsePriority accepts low, normal or high (case-insensitive).
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	}
	return PriorityNormal, fmt.Errorf("invalid priority %q (expected low, normal or high)", s)
}

// Handle identifies one submission at the scheduler.
type Handle string

// StreamSpec is the per-stream part of a submission.
type StreamSpec struct {
	Name     string `json:"name"`
	Subjobs  int    `json:"subjobs"`
	MemoryMB int    `json:"memory_mb"`
}

// SubmissionSpec is everything a scheduler needs to queue a unit's subjobs.
type SubmissionSpec struct {
	UnitID   string       `json:"unit_id,omitempty"`
	WorkDir  string       `json:"workdir"`
	Streams  []StreamSpec `json:"streams"`
	Priority Priority     `json:"priority"`

	// Executable and Args form the subjob command. Args may contain the
	// {stream}, {subjob} and {workdir} placeholders.
	Executable string   `json:"executable"`
	Args       []string `json:"args,omitempty"`
}

// TotalSubjobs sums the subjob counts of every stream.
func (s SubmissionSpec) TotalSubjobs() int {
	n := 0
	for _, st := range s.Streams {
		n += st.Subjobs
	}
	return n
}

// Validate checks the fields every binding relies on.
func (s SubmissionSpec) Validate() error {
	if strings.TrimSpace(s.WorkDir) == "" {
		return errors.New("submission workdir is required")
	}
	if strings.TrimSpace(s.Executable) == "" {
		return errors.New("submission executable is required")
	}
	if len(s.Streams) == 0 {
		return errors.New("submission has no streams")
	}
	for _, st := range s.Streams {
		if st.Subjobs <= 0 {
			return fmt.Errorf("stream %q: subjobs must be > 0", st.Name)
		}
	}
	return nil
}

// ExpandArgs substitutes the per-subjob placeholders.
func ExpandArgs(args []string, workdir, stream string, subjob int) []string {
	r := strings.NewReplacer("{stream}", stream, "{subjob}", strconv.Itoa(subjob), "{workdir}", workdir)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// Adapter is implemented by every scheduler binding.
type Adapter interface {
	Submit(ctx context.Context, spec SubmissionSpec) (Handle, error)

	// Query reports every handle the scheduler still knows about. Handles
	// missing from the map are absent.
	Query(ctx context.Context) (map[Handle]Status, error)

	Release(ctx context.Context, h Handle) error
	Cancel(ctx context.Context, h Handle) error
	SetPriority(ctx context.Context, h Handle, p Priority) error

	// Healthy returns nil when the scheduler accepts commands.
	Healthy(ctx context.Context) error
}
