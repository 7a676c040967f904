// Package archive packs finished work directories into compressed archives
// and optionally copies them to object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrWorkDirMissing indicates there is neither a work directory nor an
// archive to point at.
var ErrWorkDirMissing = errors.New("work directory missing and no archive exists")

// Sink receives a finished archive, e.g. an object store.
type Sink interface {
	// Store copies the local file to key and returns its location.
	Store(ctx context.Context, localPath, key string) (string, error)
}

// Archiver moves work directories into the completed or failed area.
type Archiver struct {
	CompletedDir string
	FailedDir    string

	// Remote is optional; when set every archive is also uploaded.
	Remote Sink

	Logger *zap.Logger
}

// Result describes an archived work directory.
type Result struct {
	Path   string
	Remote string

	// Existing is set when the archive was already in place and nothing was
	// written.
	Existing bool
}

// PathFor returns where the archive of workdir goes.
func (a *Archiver) PathFor(workdir, name string, succeeded bool) string {
	dir := a.FailedDir
	if succeeded {
		dir = a.CompletedDir
	}
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(filepath.Clean(workdir))
	}
	return filepath.Join(dir, name+Ext)
}

// Archive packs workdir into the completed or failed area and removes it.
//
// It is safe to repeat: when the archive exists and the work directory is
// already gone the existing archive is reported without touching anything.
func (a *Archiver) Archive(ctx context.Context, workdir, name string, succeeded bool) (*Result, error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dest := a.PathFor(workdir, name, succeeded)
	if strings.TrimSpace(filepath.Dir(dest)) == "" || filepath.Dir(dest) == "." {
		return nil, fmt.Errorf("archive directory is not configured")
	}

	_, wdErr := os.Stat(workdir)
	_, arErr := os.Stat(dest)
	switch {
	case errors.Is(wdErr, os.ErrNotExist) && arErr == nil:
		return &Result{Path: dest, Existing: true}, nil
	case errors.Is(wdErr, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrWorkDirMissing, workdir)
	case wdErr != nil:
		return nil, fmt.Errorf("stat workdir: %w", wdErr)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".tmp.*")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := WriteTarZst(tmp, workdir); err != nil {
		_ = tmp.Close()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp archive: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		return nil, fmt.Errorf("rename archive: %w", err)
	}

	res := &Result{Path: dest}
	if a.Remote != nil {
		loc, err := a.Remote.Store(ctx, dest, remoteKey(dest, succeeded))
		if err != nil {
			// Keep the work directory until the upload succeeds.
			return nil, fmt.Errorf("upload archive: %w", err)
		}
		res.Remote = loc
	}

	if err := os.RemoveAll(workdir); err != nil {
		return res, fmt.Errorf("remove workdir: %w", err)
	}
	logger.Info("Work directory archived",
		zap.String("workdir", workdir),
		zap.String("archive", dest),
		zap.String("remote", res.Remote),
		zap.Bool("succeeded", succeeded))
	return res, nil
}

func remoteKey(local string, succeeded bool) string {
	area := "failed"
	if succeeded {
		area = "completed"
	}
	return area + "/" + filepath.Base(local)
}
