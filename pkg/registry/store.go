package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lockedstore"
)

// ErrDuplicateID indicates an attempt to register an ID twice.
var ErrDuplicateID = errors.New("job id already registered")

// Registry is the in-memory form of the registry document.
type Registry struct {
	// LastID is the highest submission log ID already imported.
	LastID  int64                `yaml:"last_id"`
	Records map[int64]*JobRecord `yaml:"records"`
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{Records: make(map[int64]*JobRecord)}
}

// Len is the number of records.
func (r *Registry) Len() int {
	return len(r.Records)
}

// Get returns a record by ID.
func (r *Registry) Get(id int64) (*JobRecord, bool) {
	rec, ok := r.Records[id]
	return rec, ok
}

// Add registers rec under id. IDs are never reused.
func (r *Registry) Add(id int64, rec *JobRecord) error {
	if rec == nil {
		return errors.New("job record is nil")
	}
	if _, exists := r.Records[id]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, id)
	}
	if r.Records == nil {
		r.Records = make(map[int64]*JobRecord)
	}
	rec.ID = id
	r.Records[id] = rec
	if id > r.LastID {
		r.LastID = id
	}
	return nil
}

// IDs returns every record ID in ascending order.
func (r *Registry) IDs() []int64 {
	ids := make([]int64, 0, len(r.Records))
	for id := range r.Records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// List returns the records newest first.
func (r *Registry) List() []JobRecord {
	ids := r.IDs()
	out := make([]JobRecord, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		out = append(out, *r.Records[ids[i]])
	}
	return out
}

// Store persists the registry document at a single path.
//
// The document is read fully, mutated in memory and written back atomically
// (temp file + rename) under the companion lock.
type Store struct {
	path        string
	lockTimeout time.Duration
}

func NewStore(path string, lockTimeout time.Duration) *Store {
	return &Store{path: strings.TrimSpace(path), lockTimeout: lockTimeout}
}

func (s *Store) Path() string {
	return s.path
}

// Load reads the registry. A missing document yields an empty registry.
func (s *Store) Load() (*Registry, error) {
	if s.path == "" {
		return nil, fmt.Errorf("registry path is empty")
	}
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return New(), nil
	}
	b, err := lockedstore.ReadLocked(s.path, s.lockTimeout)
	if err != nil {
		return nil, err
	}

	reg := New()
	if strings.TrimSpace(string(b)) == "" {
		return reg, nil
	}
	if err := yaml.Unmarshal(b, reg); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if reg.Records == nil {
		reg.Records = make(map[int64]*JobRecord)
	}
	for id, rec := range reg.Records {
		if rec == nil {
			delete(reg.Records, id)
			continue
		}
		rec.ID = id
	}
	return reg, nil
}

// Save writes the registry back atomically.
func (s *Store) Save(reg *Registry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	if s.path == "" {
		return fmt.Errorf("registry path is empty")
	}
	b, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return lockedstore.WriteLocked(s.path, b, s.lockTimeout)
}
