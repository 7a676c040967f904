// Package condor binds the scheduler contract to the HTCondor command-line
// tools (condor_submit, condor_q, condor_release, condor_rm, condor_prio).
//
// A unit's subjobs are queued as one cluster; the cluster ID is the handle.
// Every command is paced by a rate limiter and queries are retried with
// exponential backoff before a failure is reported.
package condor

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/OpenGATE/IDEAL-sub000/pkg/scheduler"
)

// HTCondor JobStatus codes.
const (
	jobIdle      = 1
	jobRunning   = 2
	jobRemoved   = 3
	jobCompleted = 4
	jobHeld      = 5
)

// condor_prio values per priority.
var prioValue = map[scheduler.Priority]int{
	scheduler.PriorityLow:    -10,
	scheduler.PriorityNormal: 0,
	scheduler.PriorityHigh:   10,
}

// Config configures the adapter.
type Config struct {
	Runner Runner

	// QueryRate is the number of scheduler commands allowed per second.
	QueryRate float64

	// QueryRetries bounds the retries of a failed condor_q.
	QueryRetries int

	// NewBackOff builds the retry policy; defaults to exponential.
	NewBackOff func() backoff.BackOff

	// LogDir receives the subjobs' output, error and user logs.
	LogDir string

	Logger *zap.Logger
}

// Adapter implements scheduler.Adapter on top of HTCondor.
type Adapter struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

var _ scheduler.Adapter = (*Adapter)(nil)

func New(cfg Config) *Adapter {
	if cfg.Runner == nil {
		cfg.Runner = ExecRunner{}
	}
	if cfg.QueryRate <= 0 {
		cfg.QueryRate = 2
	}
	if cfg.QueryRetries < 0 {
		cfg.QueryRetries = 0
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Adapter{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.QueryRate), 1),
		logger:  cfg.Logger,
	}
}

func (a *Adapter) run(ctx context.Context, name string, args []string, stdin []byte) ([]byte, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return a.cfg.Runner.Run(ctx, name, args, stdin)
}

// Submit queues one cluster holding every subjob of spec.
func (a *Adapter) Submit(ctx context.Context, spec scheduler.SubmissionSpec) (scheduler.Handle, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	out, err := a.run(ctx, "condor_submit", []string{"-terse"}, submitDescription(spec, a.cfg.LogDir))
	if err != nil {
		return "", err
	}
	cluster, err := parseTerse(out)
	if err != nil {
		return "", &scheduler.CommandError{Command: "condor_submit", ExitCode: 0, Output: string(out), Err: err}
	}
	a.logger.Info("Condor cluster submitted",
		zap.String("cluster", cluster),
		zap.String("workdir", spec.WorkDir),
		zap.Int("subjobs", spec.TotalSubjobs()))
	return scheduler.Handle(cluster), nil
}

// submitDescription renders one submit description with a queue statement
// per subjob so that each carries its own stream and index.
func submitDescription(spec scheduler.SubmissionSpec, logDir string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "universe = vanilla\n")
	fmt.Fprintf(&b, "executable = %s\n", spec.Executable)
	fmt.Fprintf(&b, "initialdir = %s\n", spec.WorkDir)
	fmt.Fprintf(&b, "priority = %d\n", prioValue[spec.Priority])
	if logDir != "" {
		fmt.Fprintf(&b, "log = %s/$(Cluster).log\n", logDir)
	}
	for _, st := range spec.Streams {
		fmt.Fprintf(&b, "request_memory = %d\n", st.MemoryMB)
		for i := 0; i < st.Subjobs; i++ {
			args := scheduler.ExpandArgs(spec.Args, spec.WorkDir, st.Name, i)
			fmt.Fprintf(&b, "arguments = \"%s\"\n", quoteArgs(args))
			fmt.Fprintf(&b, "environment = \"IDEAL_WORKDIR=%s IDEAL_STREAM=%s IDEAL_SUBJOB=%d\"\n", spec.WorkDir, st.Name, i)
			if logDir != "" {
				fmt.Fprintf(&b, "output = %s/$(Cluster).%s.%d.out\n", logDir, st.Name, i)
				fmt.Fprintf(&b, "error = %s/$(Cluster).%s.%d.err\n", logDir, st.Name, i)
			}
			fmt.Fprintf(&b, "queue\n")
		}
	}
	return b.Bytes()
}

// quoteArgs applies the new-syntax argument quoting of submit descriptions.
func quoteArgs(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, `"`, `""`)
		if strings.ContainsAny(a, " \t'") {
			a = "'" + strings.ReplaceAll(a, "'", "''") + "'"
		}
		parts[i] = a
	}
	return strings.Join(parts, " ")
}

// parseTerse reads the "<cluster>.<first> - <cluster>.<last>" terse output.
func parseTerse(out []byte) (string, error) {
	line := strings.TrimSpace(string(out))
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	dot := strings.IndexByte(line, '.')
	if dot <= 0 {
		return "", fmt.Errorf("unexpected condor_submit output %q", line)
	}
	cluster := line[:dot]
	if _, err := strconv.Atoi(cluster); err != nil {
		return "", fmt.Errorf("unexpected cluster id %q", cluster)
	}
	return cluster, nil
}

// Query lists every cluster in the queue and folds its jobs' statuses.
func (a *Adapter) Query(ctx context.Context) (map[scheduler.Handle]scheduler.Status, error) {
	var out []byte
	attempt := 0
	op := func() error {
		attempt++
		var err error
		out, err = a.run(ctx, "condor_q", []string{"-allusers", "-af", "ClusterId", "JobStatus"}, nil)
		if err != nil {
			a.logger.Debug("condor_q failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(a.cfg.NewBackOff(), uint64(a.cfg.QueryRetries)), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return parseQueue(out)
}

func parseQueue(out []byte) (map[scheduler.Handle]scheduler.Status, error) {
	per := make(map[scheduler.Handle][]scheduler.Status)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		if len(fields) != 2 {
			return nil, fmt.Errorf("unexpected condor_q line %q", sc.Text())
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("unexpected JobStatus %q", fields[1])
		}
		h := scheduler.Handle(fields[0])
		per[h] = append(per[h], statusFromCode(code))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	result := make(map[scheduler.Handle]scheduler.Status, len(per))
	for h, sts := range per {
		result[h] = scheduler.Aggregate(sts)
	}
	return result, nil
}

func statusFromCode(code int) scheduler.Status {
	switch code {
	case jobIdle:
		return scheduler.StatusIdle
	case jobRunning:
		return scheduler.StatusRunning
	case jobHeld:
		return scheduler.StatusHeld
	case jobRemoved, jobCompleted:
		return scheduler.StatusDone
	default:
		// Transferring output, suspended: still alive from our point of view.
		return scheduler.StatusRunning
	}
}

func (a *Adapter) Release(ctx context.Context, h scheduler.Handle) error {
	_, err := a.run(ctx, "condor_release", []string{string(h)}, nil)
	return a.handleError(h, err)
}

func (a *Adapter) Cancel(ctx context.Context, h scheduler.Handle) error {
	_, err := a.run(ctx, "condor_rm", []string{string(h)}, nil)
	return a.handleError(h, err)
}

func (a *Adapter) SetPriority(ctx context.Context, h scheduler.Handle, p scheduler.Priority) error {
	v, ok := prioValue[p]
	if !ok {
		return fmt.Errorf("unsupported priority %s", p)
	}
	_, err := a.run(ctx, "condor_prio", []string{"-p", strconv.Itoa(v), string(h)}, nil)
	return a.handleError(h, err)
}

// Healthy asks the schedd for its totals.
func (a *Adapter) Healthy(ctx context.Context) error {
	_, err := a.run(ctx, "condor_q", []string{"-totals"}, nil)
	return err
}

func (a *Adapter) handleError(h scheduler.Handle, err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "Couldn't find") || strings.Contains(err.Error(), "does not exist") {
		return fmt.Errorf("%w: %s: %w", scheduler.ErrUnknownHandle, h, err)
	}
	return err
}
