package convergence

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
)

// Layout defaults for subjob outputs inside a work directory.
const (
	DefaultPartialGlob    = "{stream}/**/dose.raw"
	DefaultMetadataName   = "result.yaml"
	DefaultSentinelPrefix = "STOP_"
)

// errNotReady marks a partial result whose metadata has not been written yet.
var errNotReady = errors.New("partial result not complete")

// Metadata is the small record a subjob writes next to its field.
type Metadata struct {
	Primaries  int64 `yaml:"primaries"`
	ExitStatus *int  `yaml:"exit_status,omitempty"`
}

// WriteMetadata writes a subjob's metadata record under its lock.
func WriteMetadata(path string, md Metadata, timeout time.Duration) error {
	b, err := yaml.Marshal(md)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	return lockedstore.WriteLocked(path, b, timeout)
}

// streamPattern expands the {stream} placeholder of a partial-result glob.
func streamPattern(glob, stream string) string {
	return strings.ReplaceAll(glob, "{stream}", stream)
}

// discover lists partial-result paths (relative to workdir) for one stream.
func discover(workdir, glob, stream string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(workdir), streamPattern(glob, stream), doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("glob partial results: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// readPartial loads one partial result. It returns errNotReady while the
// metadata is missing and lockedstore.ErrLockTimeout when a writer holds it.
func readPartial(workdir, rel, metadataName string, timeout time.Duration) (PartialResult, error) {
	fieldPath := filepath.Join(workdir, filepath.FromSlash(rel))
	metaPath := filepath.Join(filepath.Dir(fieldPath), metadataName)

	pr := PartialResult{Path: rel}

	if _, err := os.Stat(metaPath); errors.Is(err, fs.ErrNotExist) {
		return pr, errNotReady
	}
	raw, err := lockedstore.ReadLocked(metaPath, timeout)
	if err != nil {
		return pr, err
	}
	var md Metadata
	if err := yaml.Unmarshal(raw, &md); err != nil {
		return pr, &DataError{Path: rel, Err: fmt.Errorf("parse %s: %w", metadataName, err)}
	}
	pr.Primaries = md.Primaries
	pr.ExitStatus = md.ExitStatus

	// A failed subjob may not have left a usable field; skip reading it.
	if (md.ExitStatus != nil && *md.ExitStatus != 0) || md.Primaries <= 0 {
		return pr, nil
	}

	field, err := lockedstore.ReadField(fieldPath, timeout)
	if err != nil {
		if lockedstore.IsLockTimeout(err) {
			return pr, err
		}
		return pr, &DataError{Path: rel, Err: err}
	}
	pr.Field = field
	return pr, nil
}

// SentinelPath is the stop marker for one stream.
func SentinelPath(workdir, prefix, stream string) string {
	if prefix == "" {
		prefix = DefaultSentinelPrefix
	}
	return filepath.Join(workdir, prefix+stream)
}

// WriteSentinel creates the stop marker; an existing marker is left untouched.
func WriteSentinel(path string) error {
	// #nosec G302 -- subjobs of the same group poll for this file
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil
		}
		return fmt.Errorf("write stop sentinel: %w", err)
	}
	return f.Close()
}

func sentinelExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
