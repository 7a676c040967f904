package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// ErrInvalidTransition indicates an event not allowed from the record's state.
var ErrInvalidTransition = errors.New("invalid job state transition")

// Events driving JobState.
const (
	EventStart           = "start"
	EventCheck           = "check"
	EventResume          = "resume"
	EventFinish          = "finish"
	EventFail            = "fail"
	EventKill            = "kill"
	EventSubmissionError = "submission_error"
	EventArchive         = "archive"
)

var transitions = fsm.Events{
	{Name: EventStart, Src: []string{string(StateSubmitted)}, Dst: string(StateRunning)},
	{Name: EventCheck, Src: []string{string(StateSubmitted), string(StateRunning)}, Dst: string(StateChecking)},
	{Name: EventResume, Src: []string{string(StateChecking)}, Dst: string(StateRunning)},
	{Name: EventFinish, Src: []string{string(StateSubmitted), string(StateRunning), string(StateChecking)}, Dst: string(StateDone)},
	{Name: EventFail, Src: []string{string(StateSubmitted), string(StateRunning), string(StateChecking)}, Dst: string(StateUnsuccessful)},
	{Name: EventKill, Src: []string{string(StateSubmitted), string(StateRunning), string(StateChecking)}, Dst: string(StateKilledByDaemon)},
	{Name: EventSubmissionError, Src: []string{string(StateSubmitted)}, Dst: string(StateSubmissionError)},
	{Name: EventArchive, Src: []string{
		string(StateDone),
		string(StateUnsuccessful),
		string(StateKilledByDaemon),
		string(StateSubmissionError),
	}, Dst: string(StateArchived)},
}

func machine(state JobState) *fsm.FSM {
	return fsm.NewFSM(string(state), transitions, fsm.Callbacks{})
}

// Can reports whether event is allowed from the record's current state.
func Can(rec *JobRecord, event string) bool {
	return machine(rec.State).Can(event)
}

// Transition applies event to rec, updating rec.State on success.
func Transition(ctx context.Context, rec *JobRecord, event string) error {
	if rec == nil {
		return errors.New("job record is nil")
	}
	m := machine(rec.State)
	if err := m.Event(ctx, event); err != nil {
		return fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, event, rec.State, err)
	}
	rec.State = JobState(m.Current())
	return nil
}
