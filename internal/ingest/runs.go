package ingest

import (
	"slices"
	"sync"

	"github.com/lox/weatherstats/internal/models"
)

// Runs tracks runs started by this process so progress can be read while
// chunks are still in flight. Finished runs stay until Forget or until the
// registry exceeds its capacity.
type Runs struct {
	mu    sync.RWMutex
	runs  map[string]*models.IngestRun
	order []string
	limit int
}

func NewRuns(limit int) *Runs {
	if limit <= 0 {
		limit = 256
	}
	return &Runs{runs: map[string]*models.IngestRun{}, limit: limit}
}

func (r *Runs) put(run *models.IngestRun) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		r.order = append(r.order, run.ID)
	}
	r.runs[run.ID] = snapshot(run)
	r.evict()
}

// evict drops the oldest finished runs beyond capacity. Caller holds mu.
func (r *Runs) evict() {
	for i := 0; len(r.runs) > r.limit && i < len(r.order); {
		id := r.order[i]
		if run := r.runs[id]; run != nil && !run.Status.Terminal() {
			i++
			continue
		}
		delete(r.runs, id)
		r.order = slices.Delete(r.order, i, i+1)
	}
}

// Get returns a copy of the run, or nil when it is unknown to this process.
func (r *Runs) Get(id string) *models.IngestRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil
	}
	return snapshot(run)
}

// Active returns copies of runs that have not finished.
func (r *Runs) Active() []models.IngestRun {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.IngestRun
	for _, id := range r.order {
		if run := r.runs[id]; !run.Status.Terminal() {
			out = append(out, *snapshot(run))
		}
	}
	return out
}

func (r *Runs) Forget(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, id)
	r.order = slices.DeleteFunc(r.order, func(s string) bool { return s == id })
}

func snapshot(run *models.IngestRun) *models.IngestRun {
	c := *run
	c.Chunks = slices.Clone(run.Chunks)
	return &c
}
