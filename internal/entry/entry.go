// Package entry owns captured entries: validation, classification at
// capture time, and persistence to a structured primary store mirrored into
// a flat key-value space.
package entry

import (
	"slices"

	"github.com/kalambet/memex/internal/classify"
)

// MaxTextLength is the upper bound on trimmed raw text, in characters.
const MaxTextLength = 10000

// KeyPrefix namespaces entry records in the mirror key space.
const KeyPrefix = "entry-"

// Type is note or checklist.
type Type = classify.EntryType

const (
	TypeNote      = classify.Note
	TypeChecklist = classify.Checklist
)

// ChecklistItem is one line of a checklist entry.
type ChecklistItem = classify.Item

// Entry is a unit of captured text. Timestamps are milliseconds since the
// Unix epoch. The JSON shape is the record format of both stores.
type Entry struct {
	ID             string          `json:"id"`
	RawText        string          `json:"rawText"`
	Type           Type            `json:"type"`
	Items          []ChecklistItem `json:"items,omitempty"`
	CreatedAt      int64           `json:"createdAt"`
	LastAccessedAt int64           `json:"lastAccessedAt"`
	Archived       bool            `json:"archived"`
}

// MirrorKey returns the mirror key holding the entry with the given id.
func MirrorKey(id string) string {
	return KeyPrefix + id
}

// Equal reports whether e and o hold the same state.
func (e Entry) Equal(o Entry) bool {
	return e.ID == o.ID &&
		e.RawText == o.RawText &&
		e.Type == o.Type &&
		slices.Equal(e.Items, o.Items) &&
		e.CreatedAt == o.CreatedAt &&
		e.LastAccessedAt == o.LastAccessedAt &&
		e.Archived == o.Archived
}

// Normalize enforces that items exist exactly when the entry is a checklist.
func (e *Entry) Normalize() {
	switch e.Type {
	case TypeChecklist:
		if e.Items == nil {
			e.Items = []ChecklistItem{}
		}
	default:
		e.Items = nil
	}
	if e.LastAccessedAt < e.CreatedAt {
		e.LastAccessedAt = e.CreatedAt
	}
}

// Patch is a partial update. Nil fields are left untouched. A non-nil Items
// pointing at a nil slice clears the items.
type Patch struct {
	Type     *Type
	Items    *[]ChecklistItem
	RawText  *string
	Archived *bool

	// LastAccessedAt is stamped by the service on every update.
	LastAccessedAt int64
}

// Apply returns e with the patch merged in.
func (p Patch) Apply(e Entry) Entry {
	if p.Type != nil {
		e.Type = *p.Type
	}
	if p.Items != nil {
		e.Items = slices.Clone(*p.Items)
	}
	if p.RawText != nil {
		e.RawText = *p.RawText
	}
	if p.Archived != nil {
		e.Archived = *p.Archived
	}
	if p.LastAccessedAt != 0 {
		e.LastAccessedAt = p.LastAccessedAt
	}
	e.Normalize()
	return e
}

// Health reports whether the primary store answers and how many entries it
// holds.
type Health struct {
	Open    bool `json:"open"`
	Entries int  `json:"entries"`
}

// SweepResult summarizes one archiving sweep.
type SweepResult struct {
	Cutoff  int64 `json:"cutoff"`
	Primary int   `json:"primary"`
	Mirror  int   `json:"mirror"`
}

// ReconcileResult summarizes a two-way reconcile between the stores.
type ReconcileResult struct {
	ToPrimary int `json:"toPrimary"`
	ToMirror  int `json:"toMirror"`
	Failed    int `json:"failed"`
}
