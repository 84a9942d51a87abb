// Package ratelimit gates side-effecting actions to at most one per entity
// per calendar day, independent of which notification triggered the action.
package ratelimit

import (
	"fmt"
	"time"

	"github.com/skysnapco/skyreply/internal/store"
)

const keyPrefix = "daily_comment:"

// DailyGate tracks one mark per (entityID, calendar day). The day boundary
// comes from the configured location, not ambient process time zone. Old
// marks become inert when the day rolls over; they are never purged.
type DailyGate struct {
	store *store.Store
	loc   *time.Location
	now   func() time.Time
}

func New(s *store.Store, loc *time.Location) *DailyGate {
	if loc == nil {
		loc = time.Local
	}
	return &DailyGate{store: s, loc: loc, now: time.Now}
}

// SetClock overrides the gate's clock. Tests only.
func (g *DailyGate) SetClock(now func() time.Time) {
	g.now = now
}

func (g *DailyGate) key(entityID string) string {
	day := g.now().In(g.loc).Format("2006-01-02")
	return keyPrefix + entityID + ":" + day
}

// HasActedToday reports whether a successful action is already marked for
// entityID on the current calendar day.
func (g *DailyGate) HasActedToday(entityID string) (bool, error) {
	ok, err := g.store.Has(g.key(entityID))
	if err != nil {
		return false, fmt.Errorf("ratelimit: %w", err)
	}
	return ok, nil
}

// MarkActedToday records the daily mark. Callers must only invoke it after
// the action is confirmed successful; a storage failure here must not undo
// the already-visible action, so callers log the error and move on.
func (g *DailyGate) MarkActedToday(entityID string) error {
	mark := struct {
		EntityID string    `json:"entityId"`
		MarkedAt time.Time `json:"markedAt"`
	}{EntityID: entityID, MarkedAt: g.now()}

	if err := g.store.Put(g.key(entityID), mark); err != nil {
		return fmt.Errorf("ratelimit: %w", err)
	}
	return nil
}
