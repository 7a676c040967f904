// Package planner turns a unit of work into a scheduler submission and
// registers it once the scheduler has accepted it.
package planner

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// Defaults applied when the configuration leaves a field unset.
const (
	DefaultSubjobs        = 40
	DefaultMinMemoryMB    = 1000
	DefaultMaxMemoryMB    = 16000
	DefaultFitSlopeMB     = 0.5
	DefaultFitInterceptMB = 1500
)

// MemoryConfig controls the per-subjob memory request.
type MemoryConfig struct {
	MinMB int
	MaxMB int

	// DefaultMB, when positive, replaces the linear fit.
	DefaultMB int

	// The fit is InterceptMB + SlopeMB * problem size.
	FitSlopeMB     float64
	FitInterceptMB float64
}

func (m MemoryConfig) withDefaults() MemoryConfig {
	if m.MinMB <= 0 {
		m.MinMB = DefaultMinMemoryMB
	}
	if m.MaxMB <= 0 {
		m.MaxMB = DefaultMaxMemoryMB
	}
	if m.FitSlopeMB == 0 && m.FitInterceptMB == 0 {
		m.FitSlopeMB = DefaultFitSlopeMB
		m.FitInterceptMB = DefaultFitInterceptMB
	}
	return m
}

// Validate rejects an empty or inverted memory range.
func (m MemoryConfig) Validate() error {
	m = m.withDefaults()
	if m.MinMB > m.MaxMB {
		return fmt.Errorf("memory min_mb (%d) exceeds max_mb (%d)", m.MinMB, m.MaxMB)
	}
	return nil
}

func (m MemoryConfig) clamp(mb int) int {
	m = m.withDefaults()
	return min(max(mb, m.MinMB), m.MaxMB)
}

// MemoryFor returns the clamped memory request for a problem size.
func MemoryFor(problemSize float64, m MemoryConfig) int {
	mb := float64(m.DefaultMB)
	if m.DefaultMB <= 0 {
		d := m.withDefaults()
		mb = d.FitInterceptMB + d.FitSlopeMB*problemSize
	}
	return m.clamp(int(math.Ceil(mb)))
}

// Config is the planner's part of the system configuration.
type Config struct {
	DefaultSubjobs int
	Memory         MemoryConfig
	Priority       scheduler.Priority

	// Executable and Args are the subjob command template.
	Executable string
	Args       []string
}

// Hints are per-submission overrides, typically from the command line.
type Hints struct {
	// Subjobs overrides every stream's subjob count when positive.
	Subjobs int

	// MemoryMB overrides the computed memory request when positive. It is
	// still clamped to the configured range.
	MemoryMB int

	Priority *scheduler.Priority
}

// Plan computes the submission for unit. Subjob count per stream is the hint
// override, else the stream's own count, else the configured default.
func Plan(unit *unitofwork.UnitOfWork, cfg Config, hints Hints) (scheduler.SubmissionSpec, error) {
	if unit == nil {
		return scheduler.SubmissionSpec{}, errors.New("unit of work is nil")
	}
	if err := unit.Validate(); err != nil {
		return scheduler.SubmissionSpec{}, fmt.Errorf("invalid unit of work: %w", err)
	}
	if err := cfg.Memory.Validate(); err != nil {
		return scheduler.SubmissionSpec{}, err
	}

	defaultSubjobs := cfg.DefaultSubjobs
	if defaultSubjobs <= 0 {
		defaultSubjobs = DefaultSubjobs
	}
	priority := cfg.Priority
	if hints.Priority != nil {
		priority = *hints.Priority
	}

	workdir, err := filepath.Abs(unit.WorkDir)
	if err != nil {
		return scheduler.SubmissionSpec{}, fmt.Errorf("resolve workdir: %w", err)
	}

	spec := scheduler.SubmissionSpec{
		UnitID:     unit.ID,
		WorkDir:    workdir,
		Priority:   priority,
		Executable: cfg.Executable,
		Args:       append([]string(nil), cfg.Args...),
	}
	for _, s := range unit.Streams {
		n := s.Subjobs
		if hints.Subjobs > 0 {
			n = hints.Subjobs
		}
		if n <= 0 {
			n = defaultSubjobs
		}
		mem := MemoryFor(s.ProblemSize, cfg.Memory)
		if hints.MemoryMB > 0 {
			mem = cfg.Memory.clamp(hints.MemoryMB)
		}
		spec.Streams = append(spec.Streams, scheduler.StreamSpec{Name: s.Name, Subjobs: n, MemoryMB: mem})
	}
	return spec, spec.Validate()
}
