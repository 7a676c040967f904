// Package convergence accumulates the partial results of one unit of work
// and decides, stream by stream, when enough statistics have been gathered.
//
// One Engine runs per unit of work, normally as its own OS process started
// with `ideal converge`. It polls the work directory on a fixed interval,
// ingests every newly completed partial result, estimates the statistical
// uncertainty and applies the stopping table. A stream that stops gets a
// STOP_<stream> sentinel which running subjobs poll for.
package convergence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
	"github.com/OpenGATE/IDEAL-sub000/pkg/unitofwork"
)

// DefaultPollInterval applies when Config.PollInterval is unset.
const DefaultPollInterval = 30 * time.Second

// Config carries everything an Engine needs; nothing is read from globals.
type Config struct {
	Unit *unitofwork.UnitOfWork

	PollInterval    time.Duration
	LockTimeout     time.Duration
	PartialGlob     string
	MetadataName    string
	StatusFile      string
	SentinelPrefix  string
	FieldSize       int
	ParallelStreams int
	Uncertainty     UncertaintyOptions

	Logger *zap.Logger

	// Now is the clock; tests replace it.
	Now func() time.Time
}

type streamState struct {
	acc      *Accumulator
	stopped  bool
	last     Decision
	lastObs  Observation
	statusTx string
}

// Engine owns the accumulation state of one unit of work.
type Engine struct {
	cfg     Config
	workdir string
	started time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	order   []string
	streams map[string]*streamState
}

// New validates cfg and prepares one accumulator per stream. Every returned
// error is a *ConfigError.
func New(cfg Config) (*Engine, error) {
	if cfg.Unit == nil {
		return nil, &ConfigError{Err: errors.New("unit of work is required")}
	}
	if len(cfg.Unit.Streams) == 0 {
		return nil, &ConfigError{Err: errors.New("no streams configured")}
	}
	if err := cfg.Unit.Policy.Validate(); err != nil {
		return nil, &ConfigError{Err: err}
	}
	workdir := cfg.Unit.WorkDir
	fi, err := os.Stat(workdir)
	if err != nil || !fi.IsDir() {
		return nil, &ConfigError{Err: fmt.Errorf("work directory %q is not accessible", workdir)}
	}

	cfg = withDefaults(cfg)

	started, err := startTime(cfg, workdir)
	if err != nil {
		return nil, err
	}

	if cfg.Unit.Mask != "" && cfg.Uncertainty.Mask == nil {
		mask, err := loadMask(workdir, cfg.Unit.Mask, cfg.LockTimeout)
		if err != nil {
			return nil, &ConfigError{Err: err}
		}
		cfg.Uncertainty.Mask = mask
	}
	if cfg.Uncertainty.Mask != nil && cfg.FieldSize > 0 && len(cfg.Uncertainty.Mask) != cfg.FieldSize {
		return nil, &ConfigError{Err: errMaskSize(len(cfg.Uncertainty.Mask), cfg.FieldSize)}
	}

	e := &Engine{
		cfg:     cfg,
		workdir: workdir,
		started: started,
		logger:  cfg.Logger,
		streams: make(map[string]*streamState, len(cfg.Unit.Streams)),
	}
	for _, s := range cfg.Unit.Streams {
		if _, dup := e.streams[s.Name]; dup {
			return nil, &ConfigError{Err: fmt.Errorf("duplicate stream %q", s.Name)}
		}
		st := &streamState{acc: NewAccumulator(s.Name, cfg.FieldSize)}
		if sentinelExists(e.sentinel(s.Name)) {
			// Restarted after this stream already stopped.
			st.stopped = true
			st.statusTx = "stopped: sentinel present at startup"
		}
		e.streams[s.Name] = st
		e.order = append(e.order, s.Name)
	}
	return e, nil
}

// startTime resolves the instant the wall time limit counts from: the unit's
// own creation time, else the start recorded in the status document, else
// the work directory's change time. The last is persisted so a restarted
// daemon keeps the same clock even though later writes move the ctime.
func startTime(cfg Config, workdir string) (time.Time, error) {
	if !cfg.Unit.CreatedAt.IsZero() {
		return cfg.Unit.CreatedAt, nil
	}
	path := filepath.Join(workdir, cfg.StatusFile)
	st, err := unitofwork.ReadStatus(path, cfg.LockTimeout)
	if err != nil {
		return time.Time{}, &ConfigError{Err: fmt.Errorf("read status: %w", err)}
	}
	if st != nil && !st.StartedAt.IsZero() {
		return st.StartedAt, nil
	}
	created, err := dirCreated(workdir)
	if err != nil {
		return time.Time{}, &ConfigError{Err: fmt.Errorf("stat work directory: %w", err)}
	}
	stamped, err := unitofwork.StampStarted(path, cfg.LockTimeout, created)
	if err != nil {
		cfg.Logger.Warn("Failed to record start time", zap.Error(err))
		return created, nil
	}
	return stamped, nil
}

func withDefaults(cfg Config) Config {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = lockedstore.DefaultTimeout
	}
	if cfg.PartialGlob == "" {
		cfg.PartialGlob = DefaultPartialGlob
	}
	if cfg.MetadataName == "" {
		cfg.MetadataName = DefaultMetadataName
	}
	if cfg.StatusFile == "" {
		cfg.StatusFile = unitofwork.DefaultStatusFile
	}
	if cfg.SentinelPrefix == "" {
		cfg.SentinelPrefix = DefaultSentinelPrefix
	}
	if cfg.ParallelStreams <= 0 {
		cfg.ParallelStreams = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

func loadMask(workdir, path string, timeout time.Duration) ([]bool, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workdir, path)
	}
	values, err := lockedstore.ReadField(path, timeout)
	if err != nil {
		return nil, fmt.Errorf("load mask: %w", err)
	}
	mask := make([]bool, len(values))
	for i, v := range values {
		mask[i] = v != 0
	}
	return mask, nil
}

func (e *Engine) sentinel(stream string) string {
	return SentinelPath(e.workdir, e.cfg.SentinelPrefix, stream)
}

func (e *Engine) statusPath() string {
	return filepath.Join(e.workdir, e.cfg.StatusFile)
}

// Accumulator exposes a stream's totals; callers must not mutate them.
func (e *Engine) Accumulator(stream string) *Accumulator {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.streams[stream]; ok {
		return st.acc
	}
	return nil
}

// Active returns the streams still being polled, in declaration order.
func (e *Engine) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.order))
	for _, name := range e.order {
		if !e.streams[name].stopped {
			out = append(out, name)
		}
	}
	return out
}

// LastDecision returns the most recent decision for a stream.
func (e *Engine) LastDecision(stream string) (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.streams[stream]
	if !ok || st.last.Rule == 0 {
		return Decision{}, false
	}
	return st.last, true
}

// Run polls until every stream has stopped (nil), ctx ends (ctx.Err()) or a
// fatal configuration problem appears (*ConfigError).
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Convergence daemon started",
		zap.String("workdir", e.workdir),
		zap.Strings("streams", e.order),
		zap.String("policy", e.cfg.Unit.Policy.String()),
		zap.Duration("poll_interval", e.cfg.PollInterval))

	if err := unitofwork.UpdateStatus(e.statusPath(), e.cfg.LockTimeout, func(s *unitofwork.Status) {
		if s.Phase == unitofwork.PhaseCancelled {
			return
		}
		s.Phase = unitofwork.PhaseRunning
		s.Message = "convergence daemon polling"
	}); err != nil {
		e.logger.Warn("Failed to write initial status", zap.Error(err))
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Convergence daemon cancelled", zap.Error(ctx.Err()))
			return ctx.Err()
		case <-timer.C:
		}

		done, err := e.Cycle(ctx)
		if err != nil && IsFatal(err) {
			e.logger.Error("Convergence daemon stopping on fatal error", zap.Error(err))
			_ = unitofwork.UpdateStatus(e.statusPath(), e.cfg.LockTimeout, func(s *unitofwork.Status) {
				if s.Phase == unitofwork.PhaseCancelled {
					return
				}
				s.Phase = unitofwork.PhaseFailed
				s.Message = err.Error()
			})
			return err
		}
		if err != nil {
			e.logger.Warn("Convergence cycle incomplete", zap.Error(err))
		}
		if done {
			e.logger.Info("All streams stopped; convergence daemon exiting")
			return nil
		}
		timer.Reset(e.cfg.PollInterval)
	}
}

// Cycle runs one poll: scan every active stream, then decide for each. It
// reports done once no stream remains active.
func (e *Engine) Cycle(ctx context.Context) (bool, error) {
	texts := make(map[string]string)
	e.observeSentinels(texts)

	active := e.Active()
	if len(active) == 0 {
		if err := e.recordStatus(texts, true); err != nil {
			return false, nil
		}
		return true, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.ParallelStreams)
	for _, name := range active {
		st := e.streams[name]
		g.Go(func() error {
			return e.scan(gctx, name, st.acc)
		})
	}
	if err := g.Wait(); err != nil {
		return false, err
	}

	now := e.cfg.Now()
	for _, name := range active {
		st := e.streams[name]
		obs := Observation{Elapsed: now.Sub(e.started), TotalWeight: st.acc.TotalWeight}
		unc, err := EstimateUncertainty(st.acc, e.cfg.Uncertainty)
		switch {
		case err == nil:
			obs.Uncertainty, obs.UncertaintyOK = unc, true
			uncertaintyGauge.WithLabelValues(name).Set(unc)
		case IsFatal(err):
			return false, err
		}
		primariesGauge.WithLabelValues(name).Set(float64(st.acc.TotalWeight))

		d := Decide(e.cfg.Unit.Policy, obs)
		text := StatusText(d, obs, st.acc)

		if d.Stop {
			if err := WriteSentinel(e.sentinel(name)); err != nil {
				// Keep polling; the stop is retried next cycle.
				e.logger.Error("Failed to write stop sentinel", zap.String("stream", name), zap.Error(err))
				continue
			}
			e.logger.Info("Stream stopped",
				zap.String("stream", name),
				zap.String("reason", d.Reason),
				zap.Int64("primaries", st.acc.TotalWeight),
				zap.Int("results", st.acc.Count),
				zap.Int("failed", st.acc.Failed))
		}

		e.mu.Lock()
		st.last, st.lastObs, st.statusTx = d, obs, text
		st.stopped = d.Stop
		e.mu.Unlock()
		texts[name] = text
	}

	done := len(e.Active()) == 0
	if err := e.recordStatus(texts, done); err != nil {
		return false, nil
	}
	return done, nil
}

// observeSentinels stops every active stream whose sentinel was written by
// someone else (an operator cancel) since the last cycle. Such streams are
// not scanned again.
func (e *Engine) observeSentinels(texts map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range e.order {
		st := e.streams[name]
		if st.stopped || !sentinelExists(e.sentinel(name)) {
			continue
		}
		st.stopped = true
		st.statusTx = "stopped: sentinel written externally"
		texts[name] = st.statusTx
		e.logger.Info("Stream stopped externally", zap.String("stream", name))
	}
}

// recordStatus merges the per-stream texts into the status document. When
// every stream stopped the phase becomes finished, unless an operator cancel
// or a fatal error already settled it. A failed write is logged and returned
// so Cycle retries it; the sentinels stay authoritative.
func (e *Engine) recordStatus(texts map[string]string, done bool) error {
	if len(texts) == 0 && !done {
		return nil
	}
	err := unitofwork.UpdateStatus(e.statusPath(), e.cfg.LockTimeout, func(s *unitofwork.Status) {
		for name, text := range texts {
			s.Streams[name] = text
		}
		if done && !s.Phase.Settled() {
			s.Phase = unitofwork.PhaseFinished
			s.Message = "all streams stopped"
		}
	})
	if err != nil {
		e.logger.Warn("Failed to record status", zap.Error(err))
	}
	return err
}

// scan ingests every new partial result of one stream. Only this goroutine
// touches acc during the scan.
func (e *Engine) scan(ctx context.Context, stream string, acc *Accumulator) error {
	paths, err := discover(e.workdir, e.cfg.PartialGlob, stream)
	if err != nil {
		e.logger.Warn("Partial result discovery failed", zap.String("stream", stream), zap.Error(err))
		return nil
	}

	for _, rel := range paths {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if acc.Consumed(rel) {
			continue
		}

		pr, err := readPartial(e.workdir, rel, e.cfg.MetadataName, e.cfg.LockTimeout)
		switch {
		case errors.Is(err, errNotReady):
			deferredTotal.WithLabelValues(stream).Inc()
			continue
		case IsTransient(err):
			deferredTotal.WithLabelValues(stream).Inc()
			e.logger.Debug("Partial result locked; deferring", zap.String("stream", stream), zap.String("path", rel))
			continue
		case err != nil:
			acc.Reject(rel)
			ingestedTotal.WithLabelValues(stream, OutcomeFailed.String()).Inc()
			e.logger.Warn("Skipping unreadable partial result", zap.String("stream", stream), zap.String("path", rel), zap.Error(err))
			continue
		}

		outcome, err := acc.Ingest(pr)
		ingestedTotal.WithLabelValues(stream, outcome.String()).Inc()
		if err != nil {
			e.logger.Warn("Partial result excluded", zap.String("stream", stream), zap.String("path", rel), zap.Error(err))
			continue
		}
		e.logger.Debug("Partial result ingested",
			zap.String("stream", stream),
			zap.String("path", rel),
			zap.Int64("primaries", pr.Primaries),
			zap.Int64("total_primaries", acc.TotalWeight))
	}
	return nil
}
