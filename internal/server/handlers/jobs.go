package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/OpenGATE/IDEAL-sub000/pkg/lifecycle"
	"github.com/OpenGATE/IDEAL-sub000/pkg/registry"
)

// JobSource is the registry snapshot served over HTTP; *lifecycle.Daemon
// implements it.
type JobSource interface {
	Records() []registry.JobRecord
	Record(id int64) (registry.JobRecord, bool)
	LastReport() *lifecycle.Report
}

// JobsHandler serves the registry snapshot read-only.
type JobsHandler struct {
	src JobSource
}

func NewJobsHandler(src JobSource) *JobsHandler {
	return &JobsHandler{src: src}
}

// List returns all records, newest first. ?state=RUNNING,CHECKING filters.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	records := h.src.Records()
	if q := strings.TrimSpace(r.URL.Query().Get("state")); q != "" {
		want := lo.SliceToMap(strings.Split(strings.ToUpper(q), ","), func(s string) (registry.JobState, bool) {
			return registry.JobState(strings.TrimSpace(s)), true
		})
		records = lo.Filter(records, func(rec registry.JobRecord, _ int) bool { return want[rec.State] })
	}
	if records == nil {
		records = []registry.JobRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		WriteError(w, http.StatusBadRequest, "INVALID_ARGUMENT", fmt.Sprintf("invalid job id %q", raw), nil)
		return
	}
	rec, ok := h.src.Record(id)
	if !ok {
		respondWithError(w, r, fmt.Errorf("job %d: %w", id, ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Report returns the last lifecycle cycle report.
func (h *JobsHandler) Report(w http.ResponseWriter, r *http.Request) {
	rep := h.src.LastReport()
	if rep == nil {
		respondWithError(w, r, fmt.Errorf("no cycle completed yet: %w", ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
