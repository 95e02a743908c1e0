// Package phase defines the batched item phases and their handlers.
package phase

import (
	"context"
	"fmt"

	"sitemigrate/internal/checkpoint"
)

// Item is the outcome of a successfully processed item
type Item struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
}

// ItemContext is the per-run context handed to ProcessItem
type ItemContext struct {
	MigrationID      string
	Target           string
	Credential       string
	CategoryMappings map[string]string
	// Heartbeat keeps the run from being reported stale around slow calls.
	Heartbeat func(ctx context.Context)
}

func (c ItemContext) beat(ctx context.Context) {
	if c.Heartbeat != nil {
		c.Heartbeat(ctx)
	}
}

// Handler encapsulates one batched phase
type Handler interface {
	Key() checkpoint.Phase
	BatchSize() int
	MaxRetries() int
	PercentageRange() (start, end int)
	Remaining(cp *checkpoint.Checkpoint) []int64
	// ProcessItem migrates one item. Any error is a recoverable item failure.
	ProcessItem(ctx context.Context, id int64, ictx ItemContext) (Item, error)
	SaveProgress(cp *checkpoint.Checkpoint, remaining []int64, processed int)
}

// Settings are the tunables of a handler
type Settings struct {
	BatchSize  int
	MaxRetries int
	Start, End int
}

func (s Settings) withDefaults(def Settings) Settings {
	if s.BatchSize <= 0 {
		s.BatchSize = def.BatchSize
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = def.MaxRetries
	}
	if s.Start == 0 && s.End == 0 {
		s.Start, s.End = def.Start, def.End
	}
	return s
}

// Registry maps a phase to its handler
type Registry map[checkpoint.Phase]Handler

// NewRegistry builds a registry from handlers. Percentage ranges must be
// ascending and must not overlap.
func NewRegistry(handlers ...Handler) (Registry, error) {
	r := make(Registry, len(handlers))
	for _, h := range handlers {
		start, end := h.PercentageRange()
		if start >= end || start < 0 || end > 100 {
			return nil, fmt.Errorf("phase %s has invalid percentage range %d-%d", h.Key(), start, end)
		}
		if _, dup := r[h.Key()]; dup {
			return nil, fmt.Errorf("phase %s registered twice", h.Key())
		}
		r[h.Key()] = h
	}
	if m, ok := r[checkpoint.PhaseMedia]; ok {
		if p, ok := r[checkpoint.PhasePosts]; ok {
			_, mEnd := m.PercentageRange()
			pStart, _ := p.PercentageRange()
			if mEnd >= pStart {
				return nil, fmt.Errorf("media range must end before posts range starts")
			}
		}
	}
	return r, nil
}

// Lookup returns the handler of p
func (r Registry) Lookup(p checkpoint.Phase) (Handler, bool) {
	h, ok := r[p]
	return h, ok
}
