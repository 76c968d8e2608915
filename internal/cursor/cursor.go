package cursor

import (
	"context"
	"maps"
	"slices"
)

// Cursors maps an account identifier to the highest item identifier already delivered.
// A missing entry means nothing was delivered yet and behaves as cursor 0.
type Cursors map[string]uint64

// Store persists Cursors between passes.
//
// Load never fails: a missing or unreadable backing store yields an empty mapping.
// Save replaces the whole persisted mapping.
type Store interface {
	Load(ctx context.Context) Cursors
	Save(ctx context.Context, cursors Cursors) error
}

// Get returns the cursor for accountID and whether one was stored.
func (c Cursors) Get(accountID string) (uint64, bool) {
	id, ok := c[accountID]
	return id, ok
}

// Advance moves the cursor of accountID to id. Cursors never move backwards,
// so Advance reports false and keeps the stored value when id is not greater.
func (c Cursors) Advance(accountID string, id uint64) bool {
	if current, ok := c[accountID]; ok && id <= current {
		return false
	}

	c[accountID] = id

	return true
}

func (c Cursors) Clone() Cursors {
	if c == nil {
		return Cursors{}
	}

	return maps.Clone(c)
}

func (c Cursors) sortedAccountIDs() []string {
	return slices.Sorted(maps.Keys(c))
}
