package checkpoint

import (
	"time"
)

// Phase identifies one of the batched item phases
type Phase string

const (
	PhaseMedia Phase = "media"
	PhasePosts Phase = "posts"
)

// PhaseState is the resumable cursor of a single phase
type PhaseState struct {
	Remaining []int64       `json:"remaining"`         // FIFO queue of ids still to process
	Processed int           `json:"processed"`         // 已成功处理的数量
	Total     *int          `json:"total,omitempty"`   // nil means len(Remaining)+Processed
	Attempts  map[int64]int `json:"attempts,omitempty"`
	Failed    []int64       `json:"failed,omitempty"` // ids that exhausted their retries
}

// TotalCount returns the recorded total, or len(Remaining)+Processed when
// none was recorded.
func (s *PhaseState) TotalCount() int {
	if s.Total != nil {
		return *s.Total
	}
	return len(s.Remaining) + s.Processed
}

// SetTotal records a fixed total for the phase
func (s *PhaseState) SetTotal(n int) {
	s.Total = &n
}

// Accounted is processed + remaining + failed, the conserved quantity of a
// phase.
func (s *PhaseState) Accounted() int {
	return s.Processed + len(s.Remaining) + len(s.Failed)
}

// Checkpoint represents the persisted cursor of a migration
type Checkpoint struct {
	MigrationID string     `json:"migration_id"`
	Phase       Phase      `json:"phase,omitempty"`
	Media       PhaseState `json:"media"`
	Posts       PhaseState `json:"posts"`

	CurrentItemID    int64  `json:"current_item_id,omitempty"`
	CurrentItemTitle string `json:"current_item_title,omitempty"`

	// Warnings raised by the setup migrators (categories, fields, styles)
	MigratorWarnings []string `json:"migrator_warnings,omitempty"`

	CategoryTotals   map[string]int   `json:"category_totals,omitempty"`
	ItemCategories   map[int64]string `json:"item_categories,omitempty"`
	CategoryMigrated map[string]int   `json:"category_migrated,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActivePhase returns the phase to run next. An unset phase means posts.
func (c *Checkpoint) ActivePhase() Phase {
	if c.Phase == "" {
		return PhasePosts
	}
	return c.Phase
}

// State returns the mutable state of the given phase
func (c *Checkpoint) State(p Phase) *PhaseState {
	if p == PhaseMedia {
		return &c.Media
	}
	return &c.Posts
}

// ItemsTotal is the combined media and posts total
func (c *Checkpoint) ItemsTotal() int {
	return c.Media.TotalCount() + c.Posts.TotalCount()
}

// Uncategorized is the category key of posts the source files under no
// category.
const Uncategorized = "uncategorized"

// CategoryOf returns the recorded category of post id
func (c *Checkpoint) CategoryOf(id int64) string {
	if cat := c.ItemCategories[id]; cat != "" {
		return cat
	}
	return Uncategorized
}

// HasItemCategories reports whether exact per-category accounting is
// available.
func (c *Checkpoint) HasItemCategories() bool {
	return len(c.ItemCategories) > 0
}
