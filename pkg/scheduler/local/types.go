package local

import (
	"time"

	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
)

// Subjob is one spawned process of a submission.
type Subjob struct {
	Stream     string `json:"stream"`
	Index      int    `json:"index"`
	PID        int    `json:"pid"`
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
}

// Record is the persistent record written to job.json.
//
// NOTE: The schema is part of the on-disk contract; extend it additively.
type Record struct {
	Handle     string             `json:"handle"`
	UnitID     string             `json:"unit_id,omitempty"`
	WorkDir    string             `json:"workdir"`
	Priority   scheduler.Priority `json:"priority"`
	Held       bool               `json:"held,omitempty"`
	Cancelled  bool               `json:"cancelled,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	HeldAt     *time.Time         `json:"held_at,omitempty"`
	EndedAt    *time.Time         `json:"ended_at,omitempty"`
	Executable string             `json:"executable"`
	Subjobs    []Subjob           `json:"subjobs"`
}

// Live returns the subjobs whose process still exists.
func (r *Record) Live() []Subjob {
	out := make([]Subjob, 0, len(r.Subjobs))
	for _, sj := range r.Subjobs {
		if pidAlive(sj.PID) {
			out = append(out, sj)
		}
	}
	return out
}

// Status maps the record onto the scheduler contract. Ended submissions are
// absent.
func (r *Record) Status() scheduler.Status {
	switch {
	case r.EndedAt != nil:
		return scheduler.StatusAbsent
	case r.Held:
		return scheduler.StatusHeld
	}
	return scheduler.StatusRunning
}

// markEnded stamps EndedAt once no subjob is alive and reports whether it
// changed the record.
func (r *Record) markEnded(now time.Time) bool {
	if r.EndedAt != nil || len(r.Live()) > 0 {
		return false
	}
	t := now.UTC()
	r.EndedAt = &t
	return true
}
