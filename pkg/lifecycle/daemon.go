// Package lifecycle runs the long-lived daemon that keeps the job registry in
// step with the scheduler, the units' own status documents and the
// convergence daemons running on the host.
//
// One cycle:
//
//	import new submissions from the submission log
//	query the scheduler and the process table
//	per record: refresh status, drive the state machine, check its daemon,
//	            kill orphan daemons, archive terminal work directories
//	on a full refresh: kill untracked daemons and age out old logs
//	write the registry back
//
// A failure on one record is logged and never stops the others.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/OpenGATE/IDEAL-sub000/pkg/archive"
	"github.com/OpenGATE/IDEAL-sub000/pkg/procscan"
	"github.com/OpenGATE/IDEAL-sub000/pkg/registry"
	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// Archiver packs a terminal work directory away.
type Archiver interface {
	Archive(ctx context.Context, workdir, name string, succeeded bool) (*archive.Result, error)
}

// Deps are the collaborators of a Daemon.
type Deps struct {
	Registry    *registry.Store
	Submissions *registry.SubmissionLog
	Scheduler   scheduler.Adapter
	Processes   procscan.Scanner
	Archiver    Archiver
}

// Report summarises one cycle.
type Report struct {
	Cycle        int       `json:"cycle"`
	Full         bool      `json:"full"`
	StartedAt    time.Time `json:"started_at"`
	Imported     int       `json:"imported"`
	Transitions  int       `json:"transitions"`
	Archived     int       `json:"archived"`
	Killed       int       `json:"killed"`
	LogsAged     int       `json:"logs_aged"`
	RecordErrors int       `json:"record_errors"`
}

// Daemon is the single writer of the registry.
type Daemon struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	cycles int

	mu      sync.RWMutex
	records []registry.JobRecord
	last    *Report
}

func New(cfg Config, deps Deps) (*Daemon, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("lifecycle: registry store is required")
	case deps.Submissions == nil:
		return nil, errors.New("lifecycle: submission log is required")
	case deps.Scheduler == nil:
		return nil, errors.New("lifecycle: scheduler adapter is required")
	case deps.Archiver == nil:
		return nil, errors.New("lifecycle: archiver is required")
	}
	if deps.Processes == nil {
		deps.Processes = procscan.ProcessScanner{}
	}
	cfg = cfg.withDefaults()
	return &Daemon{cfg: cfg, deps: deps, logger: cfg.Logger}, nil
}

// Run cycles until ctx ends. Cycle errors are logged and retried on the next
// tick; the daemon never exits because of one unit.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("Lifecycle daemon started",
		zap.String("registry", d.deps.Registry.Path()),
		zap.String("submissions", d.deps.Submissions.Path()),
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("full_refresh_every", d.cfg.FullRefreshEvery))

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Lifecycle daemon stopping", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-timer.C:
		}

		rep, err := d.Cycle(ctx)
		if err != nil {
			cycleErrorsTotal.Inc()
			d.logger.Warn("Lifecycle cycle failed", zap.Int("cycle", rep.Cycle), zap.Error(err))
		} else {
			d.logger.Debug("Lifecycle cycle complete",
				zap.Int("cycle", rep.Cycle),
				zap.Bool("full", rep.Full),
				zap.Int("imported", rep.Imported),
				zap.Int("transitions", rep.Transitions),
				zap.Int("archived", rep.Archived),
				zap.Int("killed", rep.Killed),
				zap.Int("record_errors", rep.RecordErrors))
		}
		timer.Reset(d.cfg.PollInterval)
	}
}

// Cycle runs one pass. The returned error covers registry load and save
// only; per-record problems are counted in the report.
func (d *Daemon) Cycle(ctx context.Context) (*Report, error) {
	started := time.Now()
	defer func() { cycleSeconds.Observe(time.Since(started).Seconds()) }()

	now := d.cfg.Now()
	full := d.cycles%d.cfg.FullRefreshEvery == 0
	d.cycles++
	rep := &Report{Cycle: d.cycles, Full: full, StartedAt: now}

	reg, err := d.deps.Registry.Load()
	if err != nil {
		return rep, fmt.Errorf("load registry: %w", err)
	}

	from := reg.LastID
	if full {
		from = 0
	}
	n, err := d.importSubmissions(ctx, reg, from, rep)
	if err != nil {
		d.logger.Warn("Submission log unavailable; retrying next cycle", zap.Error(err))
	}
	rep.Imported = n

	statuses, qerr := d.deps.Scheduler.Query(ctx)
	if qerr != nil {
		d.logger.Warn("Scheduler query failed; skipping scheduler-driven transitions", zap.Error(qerr))
	}
	daemons, perr := d.deps.Processes.Daemons(ctx)
	if perr != nil {
		d.logger.Warn("Process scan failed; skipping daemon checks", zap.Error(perr))
	}
	byDir := lo.GroupBy(daemons, func(dm procscan.Daemon) string { return dm.WorkDir })

	claims := make(map[string][]int64)
	for id, rec := range reg.Records {
		if dir := cleanDir(rec.WorkDir); dir != "" {
			claims[dir] = append(claims[dir], id)
		}
	}

	pass := cyclePass{
		reg:      reg,
		now:      now,
		statuses: statuses,
		schedOK:  qerr == nil,
		byDir:    byDir,
		procsOK:  perr == nil,
		claims:   claims,
		rep:      rep,
	}
	for _, id := range reg.IDs() {
		if ctx.Err() != nil {
			break
		}
		rec := reg.Records[id]
		if err := d.processRecord(ctx, rec, &pass); err != nil {
			rep.RecordErrors++
			d.logger.Warn("Record processing failed",
				zap.Int64("id", rec.ID),
				zap.String("state", string(rec.State)),
				zap.Error(err))
		}
	}

	if full && perr == nil {
		d.killUntracked(ctx, reg, daemons, rep)
	}
	if full {
		d.ageLogs(now, rep)
	}

	if err := d.deps.Registry.Save(reg); err != nil {
		return rep, fmt.Errorf("save registry: %w", err)
	}
	d.publish(reg, rep)
	return rep, ctx.Err()
}

type cyclePass struct {
	reg      *registry.Registry
	now      time.Time
	statuses map[scheduler.Handle]scheduler.Status
	schedOK  bool
	byDir    map[string][]procscan.Daemon
	procsOK  bool
	claims   map[string][]int64 // workdir -> record IDs
	rep      *Report
}

// claimedByActive reports whether a record other than id is active in dir.
func (p *cyclePass) claimedByActive(dir string, id int64) bool {
	for _, other := range p.claims[dir] {
		if other == id {
			continue
		}
		if rec, ok := p.reg.Get(other); ok && rec.State.Active() {
			return true
		}
	}
	return false
}

func (d *Daemon) processRecord(ctx context.Context, rec *registry.JobRecord, p *cyclePass) error {
	if rec.State == registry.StateArchived {
		if p.procsOK {
			return d.killOrphans(ctx, rec, p)
		}
		return nil
	}

	var errs []error
	var phase unitofwork.Phase
	if rec.State.Active() && !rec.Historic(p.now, d.cfg.HistoricAge) {
		phase = d.readStatus(rec)
		if err := d.refresh(ctx, rec, phase, p); err != nil {
			errs = append(errs, err)
		}
	}

	if p.procsOK {
		if rec.State.Active() {
			d.checkDaemon(rec, phase, p)
		} else if err := d.killOrphans(ctx, rec, p); err != nil {
			errs = append(errs, err)
		}
	}

	if rec.State.Terminal() {
		if err := d.archive(ctx, rec, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// readStatus copies the unit's own status text into the record and returns
// its phase. A locked or unreadable document keeps the previous text.
func (d *Daemon) readStatus(rec *registry.JobRecord) unitofwork.Phase {
	if strings.TrimSpace(rec.WorkDir) == "" {
		return ""
	}
	st, err := unitofwork.ReadStatus(filepath.Join(rec.WorkDir, d.cfg.StatusFile), d.cfg.LockTimeout)
	if err != nil {
		d.logger.Debug("Unit status unreadable", zap.Int64("id", rec.ID), zap.Error(err))
		return ""
	}
	if st == nil {
		return ""
	}
	rec.Status = st.Summary()
	return st.Phase
}

func (d *Daemon) refresh(ctx context.Context, rec *registry.JobRecord, phase unitofwork.Phase, p *cyclePass) error {
	if phase == unitofwork.PhaseCancelled {
		return d.kill(ctx, rec, "cancelled by operator", p.rep)
	}
	if !p.schedOK {
		return nil
	}

	s, present := p.statuses[scheduler.Handle(rec.SchedulerHandle)]
	if !present {
		s = scheduler.StatusAbsent
	}
	rec.SchedulerStatus = string(s)
	if s != scheduler.StatusHeld {
		rec.HeldSince = nil
		rec.ReleaseAttempted = false
	}

	switch s {
	case scheduler.StatusIdle, scheduler.StatusRunning:
		switch {
		case rec.State == registry.StateSubmitted && s == scheduler.StatusRunning:
			return d.fire(ctx, rec, registry.EventStart, "scheduler reports running", p.rep)
		case rec.State == registry.StateChecking:
			rec.LastChecked = nil
			return d.fire(ctx, rec, registry.EventResume, "scheduler knows the job again", p.rep)
		}
		return nil
	case scheduler.StatusHeld:
		return d.handleHeld(ctx, rec, p)
	}

	// Absent from the queue (or completed): the unit's own status decides.
	if phase == unitofwork.PhaseFinished {
		return d.fire(ctx, rec, registry.EventFinish, "scheduler done and unit finished", p.rep)
	}
	if rec.State != registry.StateChecking {
		t := p.now
		rec.LastChecked = &t
		return d.fire(ctx, rec, registry.EventCheck, "absent from scheduler, unit not finished", p.rep)
	}
	if rec.LastChecked == nil {
		t := p.now
		rec.LastChecked = &t
		return nil
	}
	if p.now.Sub(*rec.LastChecked) > d.cfg.CheckingGrace {
		return d.fire(ctx, rec, registry.EventFail, "still unfinished after checking grace period", p.rep)
	}
	return nil
}

func (d *Daemon) handleHeld(ctx context.Context, rec *registry.JobRecord, p *cyclePass) error {
	if rec.HeldSince == nil {
		t := p.now
		rec.HeldSince = &t
	}
	if p.now.Sub(*rec.HeldSince) > d.cfg.HeldGrace {
		return d.kill(ctx, rec, "held past grace period", p.rep)
	}
	if rec.ReleaseAttempted {
		return nil
	}
	if err := d.deps.Scheduler.Healthy(ctx); err != nil {
		d.logger.Info("Scheduler unhealthy; postponing release", zap.Int64("id", rec.ID), zap.Error(err))
		return nil
	}
	rec.ReleaseAttempted = true
	if err := d.deps.Scheduler.Release(ctx, scheduler.Handle(rec.SchedulerHandle)); err != nil {
		return fmt.Errorf("release held job %s: %w", rec.SchedulerHandle, err)
	}
	d.logger.Info("Released held job", zap.Int64("id", rec.ID), zap.String("handle", rec.SchedulerHandle))
	return nil
}

// kill cancels the scheduler handle and marks the record KILLED_BY_DAEMON.
func (d *Daemon) kill(ctx context.Context, rec *registry.JobRecord, reason string, rep *Report) error {
	if rec.SchedulerHandle != "" {
		err := d.deps.Scheduler.Cancel(ctx, scheduler.Handle(rec.SchedulerHandle))
		if err != nil && !errors.Is(err, scheduler.ErrUnknownHandle) {
			return fmt.Errorf("cancel %s: %w", rec.SchedulerHandle, err)
		}
	}
	if err := d.fire(ctx, rec, registry.EventKill, reason, rep); err != nil {
		return err
	}
	rec.Status = "killed: " + reason
	return nil
}

func (d *Daemon) checkDaemon(rec *registry.JobRecord, phase unitofwork.Phase, p *cyclePass) {
	if len(p.byDir[cleanDir(rec.WorkDir)]) > 0 {
		rec.DaemonStatus = registry.DaemonOK
		return
	}
	if phase == unitofwork.PhaseFinished || phase == unitofwork.PhaseCancelled {
		// The daemon exits by itself once every stream stopped.
		rec.DaemonStatus = registry.DaemonExited
		return
	}
	if rec.DaemonStatus != registry.DaemonMissing {
		d.logger.Warn("Convergence daemon not running",
			zap.Int64("id", rec.ID),
			zap.String("workdir", rec.WorkDir),
			zap.String("state", string(rec.State)))
	}
	rec.DaemonStatus = registry.DaemonMissing
}

// killOrphans stops daemons still running for a record that reached a
// terminal state, unless an active record has reused the directory.
func (d *Daemon) killOrphans(ctx context.Context, rec *registry.JobRecord, p *cyclePass) error {
	dir := cleanDir(rec.WorkDir)
	if dir == "" || p.claimedByActive(dir, rec.ID) {
		return nil
	}
	var errs []error
	for _, dm := range p.byDir[dir] {
		if err := d.deps.Processes.Terminate(ctx, dm.PID); err != nil {
			errs = append(errs, fmt.Errorf("terminate orphan daemon %d: %w", dm.PID, err))
			continue
		}
		daemonsKilledTotal.WithLabelValues("orphan").Inc()
		p.rep.Killed++
		rec.DaemonStatus = registry.DaemonOrphan
		d.logger.Info("Killed orphan convergence daemon",
			zap.Int64("id", rec.ID),
			zap.Int32("pid", dm.PID),
			zap.String("state", string(rec.State)))
	}
	delete(p.byDir, dir)
	return errors.Join(errs...)
}

func (d *Daemon) archive(ctx context.Context, rec *registry.JobRecord, p *cyclePass) error {
	res, err := d.deps.Archiver.Archive(ctx, rec.WorkDir, fmt.Sprintf("job_%d", rec.ID), rec.State.Succeeded())
	switch {
	case errors.Is(err, archive.ErrWorkDirMissing):
		d.logger.Info("Nothing to archive", zap.Int64("id", rec.ID), zap.String("workdir", rec.WorkDir))
	case err != nil:
		return fmt.Errorf("archive %s: %w", rec.WorkDir, err)
	default:
		rec.ArchivePath = res.Path
	}
	if err := d.fire(ctx, rec, registry.EventArchive, "work directory archived", p.rep); err != nil {
		return err
	}
	t := p.now
	rec.ArchivedAt = &t
	p.rep.Archived++
	return nil
}

func (d *Daemon) importSubmissions(ctx context.Context, reg *registry.Registry, from int64, rep *Report) (int, error) {
	subs, err := d.deps.Submissions.Since(from)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range subs {
		if _, ok := reg.Get(s.ID); ok {
			continue
		}
		rec := s.Record()
		if err := reg.Add(s.ID, rec); err != nil {
			d.logger.Warn("Skipping submission", zap.Int64("id", s.ID), zap.Error(err))
			continue
		}
		n++
		d.logger.Info("Registered unit",
			zap.Int64("id", s.ID),
			zap.String("workdir", s.WorkDir),
			zap.String("handle", s.SchedulerHandle))

		if strings.TrimSpace(rec.SchedulerHandle) == "" {
			if err := d.fire(ctx, rec, registry.EventSubmissionError, "no scheduler handle", rep); err == nil {
				rec.Status = "submission error: no scheduler handle"
			}
		}
	}
	return n, nil
}

// killUntracked stops daemons whose work directory belongs to no record.
// The submission log is re-read first so a unit registered during this
// cycle is never mistaken for an untracked one.
func (d *Daemon) killUntracked(ctx context.Context, reg *registry.Registry, daemons []procscan.Daemon, rep *Report) {
	known := func() map[string]bool {
		m := make(map[string]bool, reg.Len())
		for _, rec := range reg.Records {
			m[cleanDir(rec.WorkDir)] = true
		}
		return m
	}
	dirs := known()
	candidates := lo.Filter(daemons, func(dm procscan.Daemon, _ int) bool { return !dirs[dm.WorkDir] })
	if len(candidates) == 0 {
		return
	}
	if n, err := d.importSubmissions(ctx, reg, reg.LastID, rep); err != nil {
		d.logger.Warn("Skipping untracked daemon reconciliation", zap.Error(err))
		return
	} else if n > 0 {
		rep.Imported += n
		dirs = known()
	}

	for _, dm := range candidates {
		if dirs[dm.WorkDir] {
			continue
		}
		if err := d.deps.Processes.Terminate(ctx, dm.PID); err != nil {
			d.logger.Warn("Failed to terminate untracked daemon", zap.Int32("pid", dm.PID), zap.Error(err))
			continue
		}
		daemonsKilledTotal.WithLabelValues("untracked").Inc()
		rep.Killed++
		d.logger.Info("Killed untracked convergence daemon",
			zap.Int32("pid", dm.PID),
			zap.String("workdir", dm.WorkDir))
	}
}

// ageLogs compresses logs older than the historic age.
func (d *Daemon) ageLogs(now time.Time, rep *Report) {
	if d.cfg.LogDir == "" {
		return
	}
	matches, err := doublestar.Glob(os.DirFS(d.cfg.LogDir), d.cfg.LogGlob, doublestar.WithFilesOnly())
	if err != nil {
		d.logger.Warn("Log ageing glob failed", zap.String("dir", d.cfg.LogDir), zap.Error(err))
		return
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".zst") {
			continue
		}
		path := filepath.Join(d.cfg.LogDir, filepath.FromSlash(m))
		fi, err := os.Stat(path)
		if err != nil || now.Sub(fi.ModTime()) <= d.cfg.HistoricAge {
			continue
		}
		if _, err := archive.CompressFile(path); err != nil {
			d.logger.Warn("Failed to compress log", zap.String("path", path), zap.Error(err))
			continue
		}
		rep.LogsAged++
	}
}

func (d *Daemon) fire(ctx context.Context, rec *registry.JobRecord, event, reason string, rep *Report) error {
	from := rec.State
	if err := registry.Transition(ctx, rec, event); err != nil {
		return err
	}
	transitionsTotal.WithLabelValues(event).Inc()
	if rep != nil {
		rep.Transitions++
	}
	d.logger.Info("Job state changed",
		zap.Int64("id", rec.ID),
		zap.String("from", string(from)),
		zap.String("to", string(rec.State)),
		zap.String("reason", reason))
	return nil
}

func (d *Daemon) publish(reg *registry.Registry, rep *Report) {
	records := reg.List()
	counts := lo.CountValuesBy(records, func(r registry.JobRecord) string { return string(r.State) })
	recordsGauge.Reset()
	for state, n := range counts {
		recordsGauge.WithLabelValues(state).Set(float64(n))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = records
	d.last = rep
}

// Records returns the registry as of the last completed cycle, newest first.
func (d *Daemon) Records() []registry.JobRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]registry.JobRecord(nil), d.records...)
}

// Record returns one record as of the last completed cycle.
func (d *Daemon) Record(id int64) (registry.JobRecord, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Find(d.records, func(r registry.JobRecord) bool { return r.ID == id })
}

// LastReport returns the most recent cycle report, or nil.
func (d *Daemon) LastReport() *Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

// CheckHealth reports whether the scheduler accepts commands.
func (d *Daemon) CheckHealth(ctx context.Context) error {
	return d.deps.Scheduler.Healthy(ctx)
}

func cleanDir(dir string) string {
	if strings.TrimSpace(dir) == "" {
		return ""
	}
	return filepath.Clean(dir)
}
