// Package unitofwork describes one simulation request: where it runs, which
// output streams it produces and when accumulation may stop.
package unitofwork

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrNoThreshold indicates a stopping policy with every threshold disabled.
var ErrNoThreshold = errors.New("stopping policy has no threshold enabled")

var streamNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// StoppingPolicy holds the independently settable stopping thresholds.
// A zero value disables the corresponding threshold.
type StoppingPolicy struct {
	MaxWallMinutes         float64 `json:"max_wall_minutes,omitempty" yaml:"max_wall_minutes,omitempty"`
	MinPrimaries           int64   `json:"min_primaries,omitempty" yaml:"min_primaries,omitempty"`
	UncertaintyGoalPercent float64 `json:"uncertainty_goal_percent,omitempty" yaml:"uncertainty_goal_percent,omitempty"`
}

func (p StoppingPolicy) TimeoutEnabled() bool     { return p.MaxWallMinutes > 0 }
func (p StoppingPolicy) MinPrimariesEnabled() bool { return p.MinPrimaries > 0 }
func (p StoppingPolicy) UncertaintyEnabled() bool  { return p.UncertaintyGoalPercent > 0 }

// MaxWall returns the timeout as a duration (zero when disabled).
func (p StoppingPolicy) MaxWall() time.Duration {
	return time.Duration(p.MaxWallMinutes * float64(time.Minute))
}

// Validate rejects negative thresholds and the all-disabled policy.
func (p StoppingPolicy) Validate() error {
	if p.MaxWallMinutes < 0 {
		return fmt.Errorf("max_wall_minutes must be >= 0, got %v", p.MaxWallMinutes)
	}
	if p.MinPrimaries < 0 {
		return fmt.Errorf("min_primaries must be >= 0, got %d", p.MinPrimaries)
	}
	if p.UncertaintyGoalPercent < 0 {
		return fmt.Errorf("uncertainty_goal_percent must be >= 0, got %v", p.UncertaintyGoalPercent)
	}
	if !p.TimeoutEnabled() && !p.MinPrimariesEnabled() && !p.UncertaintyEnabled() {
		return ErrNoThreshold
	}
	return nil
}

// String renders the enabled thresholds for logs and status text.
func (p StoppingPolicy) String() string {
	parts := make([]string, 0, 3)
	if p.TimeoutEnabled() {
		parts = append(parts, fmt.Sprintf("max_wall=%gmin", p.MaxWallMinutes))
	}
	if p.MinPrimariesEnabled() {
		parts = append(parts, fmt.Sprintf("min_primaries=%d", p.MinPrimaries))
	}
	if p.UncertaintyEnabled() {
		parts = append(parts, fmt.Sprintf("uncertainty_goal=%g%%", p.UncertaintyGoalPercent))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

// Stream is one independently accumulated output, e.g. one beam.
type Stream struct {
	Name string `json:"name" yaml:"name"`

	// Subjobs is the expected number of subjobs (0 = planner default).
	Subjobs int `json:"subjobs,omitempty" yaml:"subjobs,omitempty"`

	// ProblemSize keys the planner's memory heuristic (e.g. millions of voxels).
	ProblemSize float64 `json:"problem_size,omitempty" yaml:"problem_size,omitempty"`
}

// UnitOfWork is immutable once its subjobs are queued.
type UnitOfWork struct {
	ID           string         `json:"id,omitempty" yaml:"id,omitempty"`
	Owner        string         `json:"owner,omitempty" yaml:"owner,omitempty"`
	WorkDir      string         `json:"workdir" yaml:"workdir"`
	SettingsPath string         `json:"settings_path,omitempty" yaml:"settings_path,omitempty"`
	CreatedAt    time.Time      `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	Mask         string         `json:"mask,omitempty" yaml:"mask,omitempty"`
	Streams      []Stream       `json:"streams" yaml:"streams"`
	Policy       StoppingPolicy `json:"policy" yaml:"policy"`
}

// StreamNames returns the stream names in declaration order.
func (u *UnitOfWork) StreamNames() []string {
	names := make([]string, 0, len(u.Streams))
	for _, s := range u.Streams {
		names = append(names, s.Name)
	}
	return names
}

// Validate checks the invariants a unit must hold before submission.
func (u *UnitOfWork) Validate() error {
	if u == nil {
		return errors.New("unit of work is nil")
	}
	if strings.TrimSpace(u.WorkDir) == "" {
		return errors.New("workdir is required")
	}
	if len(u.Streams) == 0 {
		return errors.New("at least one stream is required")
	}
	seen := make(map[string]struct{}, len(u.Streams))
	for _, s := range u.Streams {
		if !streamNameRe.MatchString(s.Name) {
			return fmt.Errorf("invalid stream name %q", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("duplicate stream name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		if s.Subjobs < 0 {
			return fmt.Errorf("stream %q: subjobs must be >= 0", s.Name)
		}
	}
	return u.Policy.Validate()
}
