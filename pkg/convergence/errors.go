package convergence

import (
	"errors"
	"fmt"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
)

var (
	// ErrUndefined indicates the uncertainty cannot be estimated yet
	// (fewer than two ingested results or no high-signal cells).
	ErrUndefined = errors.New("uncertainty undefined")

	// ErrFailedSubjob marks a partial result excluded from accumulation.
	ErrFailedSubjob = errors.New("subjob result marked failed")
)

// ConfigError is a fatal misconfiguration; the owning daemon must exit.
type ConfigError struct {
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("convergence configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// DataError reports a single unusable partial result. It is recoverable: the
// result is excluded and tallied, the engine carries on.
type DataError struct {
	Path string
	Err  error
}

func (e *DataError) Error() string {
	return fmt.Sprintf("partial result %s: %v", e.Path, e.Err)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must terminate the convergence daemon.
func IsFatal(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsTransient reports whether err should simply be retried next cycle.
func IsTransient(err error) bool {
	return lockedstore.IsLockTimeout(err)
}
