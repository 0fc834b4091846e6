package server

import (
	"context"
	"sync"

	"vinr.eu/rollout/internal/pipeline"
)

// History keeps the latest snapshot of the most recent runs in memory. It
// is a pipeline.Observer.
type History struct {
	mu    sync.RWMutex
	limit int
	runs  map[string]pipeline.Run
	order []string
}

func NewHistory(limit int) *History {
	if limit < 1 {
		limit = 100
	}
	return &History{
		limit: limit,
		runs:  make(map[string]pipeline.Run),
	}
}

func (h *History) RunStarted(_ context.Context, run pipeline.Run) {
	h.put(run)
}

func (h *History) StageFinished(_ context.Context, run pipeline.Run, _ pipeline.StageRecord) {
	h.put(run)
}

func (h *History) RunFinished(_ context.Context, run pipeline.Run) {
	h.put(run)
}

func (h *History) put(run pipeline.Run) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.runs[run.ID]; !ok {
		h.order = append(h.order, run.ID)
		if len(h.order) > h.limit {
			delete(h.runs, h.order[0])
			h.order = h.order[1:]
		}
	}
	h.runs[run.ID] = run
}

func (h *History) Get(id string) (pipeline.Run, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	run, ok := h.runs[id]
	return run, ok
}

// List returns the retained runs, newest first.
func (h *History) List() []pipeline.Run {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]pipeline.Run, 0, len(h.order))
	for i := len(h.order) - 1; i >= 0; i-- {
		out = append(out, h.runs[h.order[i]])
	}
	return out
}
