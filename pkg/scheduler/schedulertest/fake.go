// Package schedulertest provides an in-memory scheduler.Adapter for tests.
package schedulertest

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
)

// Fake records calls and serves scripted statuses. The zero value is not
// usable; call New.
type Fake struct {
	mu sync.Mutex

	next     int
	statuses map[scheduler.Handle]scheduler.Status
	specs    map[scheduler.Handle]scheduler.SubmissionSpec
	prio     map[scheduler.Handle]scheduler.Priority

	// Errors injected per operation.
	SubmitErr  error
	QueryErr   error
	ReleaseErr error
	CancelErr  error
	HealthErr  error

	Released  []scheduler.Handle
	Cancelled []scheduler.Handle
}

var _ scheduler.Adapter = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		statuses: make(map[scheduler.Handle]scheduler.Status),
		specs:    make(map[scheduler.Handle]scheduler.SubmissionSpec),
		prio:     make(map[scheduler.Handle]scheduler.Priority),
	}
}

func (f *Fake) Submit(ctx context.Context, spec scheduler.SubmissionSpec) (scheduler.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.next++
	h := scheduler.Handle(strconv.Itoa(1000 + f.next))
	f.statuses[h] = scheduler.StatusIdle
	f.specs[h] = spec
	f.prio[h] = spec.Priority
	return h, nil
}

func (f *Fake) Query(ctx context.Context) (map[scheduler.Handle]scheduler.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	out := make(map[scheduler.Handle]scheduler.Status, len(f.statuses))
	for h, s := range f.statuses {
		if s != scheduler.StatusAbsent {
			out[h] = s
		}
	}
	return out, nil
}

func (f *Fake) Release(ctx context.Context, h scheduler.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.known(h); err != nil {
		return err
	}
	f.Released = append(f.Released, h)
	if f.ReleaseErr != nil {
		return f.ReleaseErr
	}
	if f.statuses[h] == scheduler.StatusHeld {
		f.statuses[h] = scheduler.StatusIdle
	}
	return nil
}

func (f *Fake) Cancel(ctx context.Context, h scheduler.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.known(h); err != nil {
		return err
	}
	f.Cancelled = append(f.Cancelled, h)
	if f.CancelErr != nil {
		return f.CancelErr
	}
	f.statuses[h] = scheduler.StatusAbsent
	return nil
}

func (f *Fake) SetPriority(ctx context.Context, h scheduler.Handle, p scheduler.Priority) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.known(h); err != nil {
		return err
	}
	f.prio[h] = p
	return nil
}

func (f *Fake) Healthy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.HealthErr
}

// SetStatus scripts the status Query reports for h. StatusAbsent removes it
// from query results.
func (f *Fake) SetStatus(h scheduler.Handle, s scheduler.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[h] = s
}

// Spec returns the spec submitted under h.
func (f *Fake) Spec(h scheduler.Handle) (scheduler.SubmissionSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[h]
	return s, ok
}

// Priority returns the current priority of h.
func (f *Fake) Priority(h scheduler.Handle) scheduler.Priority {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prio[h]
}

func (f *Fake) known(h scheduler.Handle) error {
	if _, ok := f.statuses[h]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownHandle, h)
	}
	return nil
}
