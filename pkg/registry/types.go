// Package registry holds the durable record of every submitted unit of work.
//
// The registry document is owned by a single writer, the lifecycle daemon.
// Other processes (the planner, CLI readers) interact with it through the
// append-only submission log and locked reads.
package registry

import "time"

// JobState is the lifecycle state of a unit of work.
//
// NOTE: These values are persisted in the registry document and are part of
// the stable on-disk contract.
type JobState string

const (
	StateSubmitted       JobState = "SUBMITTED"
	StateRunning         JobState = "RUNNING"
	StateChecking        JobState = "CHECKING"
	StateDone            JobState = "DONE"
	StateUnsuccessful    JobState = "UNSUCCESSFUL"
	StateKilledByDaemon  JobState = "KILLED_BY_DAEMON"
	StateSubmissionError JobState = "SUBMISSION_ERROR"
	StateArchived        JobState = "ARCHIVED"
)

// Terminal reports whether the state ends a job's active life. ARCHIVED is
// not counted; it is the post-terminal resting state.
func (s JobState) Terminal() bool {
	switch s {
	case StateDone, StateUnsuccessful, StateKilledByDaemon, StateSubmissionError:
		return true
	}
	return false
}

// Active reports whether a convergence daemon is expected to be alive.
func (s JobState) Active() bool {
	switch s {
	case StateSubmitted, StateRunning, StateChecking:
		return true
	}
	return false
}

// Succeeded reports whether a terminal state counts as a successful run.
func (s JobState) Succeeded() bool {
	return s == StateDone
}

// Daemon status values.
const (
	DaemonOK      = "ok"
	DaemonExited  = "exited"
	DaemonMissing = "daemon not running"
	DaemonOrphan  = "orphan daemon killed"
)

// JobRecord is one unit of work's registry entry. The capitalised keys are
// shared with existing tooling that reads the registry document.
type JobRecord struct {
	ID              int64     `yaml:"-" json:"id"`
	UnitID          string    `yaml:"UnitID,omitempty" json:"unit_id,omitempty"`
	Owner           string    `yaml:"Owner,omitempty" json:"owner,omitempty"`
	SubmissionDate  time.Time `yaml:"SubmissionDate" json:"submission_date"`
	WorkDir         string    `yaml:"WorkDir" json:"workdir"`
	SettingsPath    string    `yaml:"SettingsPath" json:"settings_path"`
	Status          string    `yaml:"Status" json:"status"`
	SchedulerHandle string    `yaml:"SchedulerHandle" json:"scheduler_handle"`
	SchedulerStatus string    `yaml:"SchedulerStatus" json:"scheduler_status"`
	DaemonStatus    string    `yaml:"DaemonStatus" json:"daemon_status"`
	Streams         []string  `yaml:"Streams,omitempty" json:"streams,omitempty"`

	State            JobState   `yaml:"State" json:"state"`
	LastChecked      *time.Time `yaml:"LastChecked,omitempty" json:"last_checked,omitempty"`
	HeldSince        *time.Time `yaml:"HeldSince,omitempty" json:"held_since,omitempty"`
	ReleaseAttempted bool       `yaml:"ReleaseAttempted,omitempty" json:"release_attempted,omitempty"`
	ArchivePath      string     `yaml:"ArchivePath,omitempty" json:"archive_path,omitempty"`
	ArchivedAt       *time.Time `yaml:"ArchivedAt,omitempty" json:"archived_at,omitempty"`
}

// Historic reports whether the record is older than maxAge at now.
func (r *JobRecord) Historic(now time.Time, maxAge time.Duration) bool {
	if maxAge <= 0 {
		return false
	}
	return now.Sub(r.SubmissionDate) > maxAge
}
