// Package stats maintains per-entity action aggregates with append and
// last-record rollback. The workflow appends a tentative record before the
// externally visible action commits and rolls it back if the action fails,
// so the aggregate never shows an action that did not happen.
package stats

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/skysnapco/skyreply/internal/store"
)

const (
	userKeyPrefix   = "user:"
	recordKeyPrefix = "record:"
)

// Category is one label assigned to an action, with the engine's confidence.
type Category struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Note       string  `json:"note,omitempty"`
}

// ActionRecord is the immutable unit appended to an entity's history.
type ActionRecord struct {
	SubjectID  string     `json:"subjectId"`
	Timestamp  time.Time  `json:"timestamp"`
	Categories []Category `json:"categories"`
	UnitCount  int        `json:"unitCount"`
	Summary    string     `json:"summary"`
}

// EntityStats is the running aggregate for one entity. Recent holds at most
// the window's newest records oldest-first; evicted records stay counted in
// the totals and histogram.
type EntityStats struct {
	EntityID      string         `json:"entityId"`
	DisplayName   string         `json:"displayName"`
	TotalActions  int            `json:"totalActions"`
	TotalUnits    int            `json:"totalUnits"`
	Histogram     map[string]int `json:"histogram"`
	FirstActionAt time.Time      `json:"firstActionAt"`
	LastActionAt  time.Time      `json:"lastActionAt"`
	Recent        []ActionRecord `json:"recent"`
}

// CategoryCount is one row of the global category ranking.
type CategoryCount struct {
	Label string
	Count int
}

// EntityRank is one row of the active-entity ranking.
type EntityRank struct {
	EntityID           string
	DisplayName        string
	TotalActions       int
	DistinctCategories int
}

type Aggregator struct {
	store  *store.Store
	window int
}

func New(s *store.Store, window int) *Aggregator {
	if window <= 0 {
		window = 100
	}
	return &Aggregator{store: s, window: window}
}

func userKey(entityID string) string {
	return userKeyPrefix + entityID
}

func recordKey(entityID string, ts time.Time) string {
	return fmt.Sprintf("%s%s:%d", recordKeyPrefix, entityID, ts.UnixMilli())
}

// Append adds rec to entityID's aggregate, creating it on first action.
// displayName always wins over the stored one so renames are picked up.
// The record is also mirrored under its own key for point lookup.
func (a *Aggregator) Append(entityID, displayName string, rec ActionRecord) (EntityStats, error) {
	var st EntityStats
	ok, err := a.store.Get(userKey(entityID), &st)
	if err != nil {
		return EntityStats{}, fmt.Errorf("stats: %w", err)
	}
	if !ok {
		st = EntityStats{
			EntityID:      entityID,
			Histogram:     map[string]int{},
			FirstActionAt: rec.Timestamp,
		}
	}
	if st.Histogram == nil {
		st.Histogram = map[string]int{}
	}

	st.DisplayName = displayName
	st.TotalActions++
	st.TotalUnits += rec.UnitCount
	st.LastActionAt = rec.Timestamp
	for _, c := range rec.Categories {
		st.Histogram[c.Label]++
	}
	st.Recent = append(st.Recent, rec)
	if len(st.Recent) > a.window {
		st.Recent = st.Recent[len(st.Recent)-a.window:]
	}

	if err := a.store.Put(userKey(entityID), st); err != nil {
		return EntityStats{}, fmt.Errorf("stats: %w", err)
	}
	if err := a.store.Put(recordKey(entityID, rec.Timestamp), rec); err != nil {
		return EntityStats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

// RollbackLast undoes the newest retained record for entityID and reports
// whether anything was undone. If the intended record has already been
// evicted past the retention window this would decrement counts for a
// different record, so callers must only roll back immediately after the
// matching append; the workflow does exactly that, synchronously, before any
// further append for the entity can happen.
func (a *Aggregator) RollbackLast(entityID string) (bool, error) {
	var st EntityStats
	ok, err := a.store.Get(userKey(entityID), &st)
	if err != nil {
		return false, fmt.Errorf("stats: %w", err)
	}
	if !ok || len(st.Recent) == 0 {
		return false, nil
	}

	last := st.Recent[len(st.Recent)-1]
	st.Recent = st.Recent[:len(st.Recent)-1]
	st.TotalActions--
	st.TotalUnits -= last.UnitCount
	for _, c := range last.Categories {
		st.Histogram[c.Label]--
		if st.Histogram[c.Label] <= 0 {
			delete(st.Histogram, c.Label)
		}
	}
	if len(st.Recent) > 0 {
		st.LastActionAt = st.Recent[len(st.Recent)-1].Timestamp
	} else {
		st.LastActionAt = st.FirstActionAt
	}

	if err := a.store.Put(userKey(entityID), st); err != nil {
		return false, fmt.Errorf("stats: %w", err)
	}
	if _, err := a.store.Delete(recordKey(entityID, last.Timestamp)); err != nil {
		return false, fmt.Errorf("stats: %w", err)
	}
	return true, nil
}

func (a *Aggregator) GetStats(entityID string) (EntityStats, bool, error) {
	var st EntityStats
	ok, err := a.store.Get(userKey(entityID), &st)
	if err != nil {
		return EntityStats{}, false, fmt.Errorf("stats: %w", err)
	}
	return st, ok, nil
}

// GetRecent returns up to limit retained records, most recent first.
func (a *Aggregator) GetRecent(entityID string, limit int) ([]ActionRecord, error) {
	st, ok, err := a.GetStats(entityID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	n := len(st.Recent)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]ActionRecord, 0, n)
	for i := len(st.Recent) - 1; i >= len(st.Recent)-n; i-- {
		out = append(out, st.Recent[i])
	}
	return out, nil
}

// GlobalCategoryRanking sums every entity's histogram and sorts descending
// by count. Full scan over the user namespace; fine at this scale.
func (a *Aggregator) GlobalCategoryRanking() ([]CategoryCount, error) {
	all, err := a.scanEntities()
	if err != nil {
		return nil, err
	}

	totals := map[string]int{}
	for _, st := range all {
		for label, n := range st.Histogram {
			totals[label] += n
		}
	}

	ranking := make([]CategoryCount, 0, len(totals))
	for label, n := range totals {
		ranking = append(ranking, CategoryCount{Label: label, Count: n})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Count != ranking[j].Count {
			return ranking[i].Count > ranking[j].Count
		}
		return ranking[i].Label < ranking[j].Label
	})
	return ranking, nil
}

// ActiveEntityRanking sorts entities by total actions, descending.
func (a *Aggregator) ActiveEntityRanking(limit int) ([]EntityRank, error) {
	all, err := a.scanEntities()
	if err != nil {
		return nil, err
	}

	ranks := make([]EntityRank, 0, len(all))
	for _, st := range all {
		ranks = append(ranks, EntityRank{
			EntityID:           st.EntityID,
			DisplayName:        st.DisplayName,
			TotalActions:       st.TotalActions,
			DistinctCategories: len(st.Histogram),
		})
	}
	sort.Slice(ranks, func(i, j int) bool {
		if ranks[i].TotalActions != ranks[j].TotalActions {
			return ranks[i].TotalActions > ranks[j].TotalActions
		}
		return ranks[i].EntityID < ranks[j].EntityID
	})
	if limit > 0 && limit < len(ranks) {
		ranks = ranks[:limit]
	}
	return ranks, nil
}

// CountEntities reports how many entities have stats.
func (a *Aggregator) CountEntities() (int, error) {
	n, err := a.store.CountPrefix(userKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("stats: %w", err)
	}
	return n, nil
}

func (a *Aggregator) scanEntities() ([]EntityStats, error) {
	entries, err := a.store.ScanPrefix(userKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	all := make([]EntityStats, 0, len(entries))
	for _, e := range entries {
		var st EntityStats
		if err := json.Unmarshal(e.Value, &st); err != nil {
			return nil, fmt.Errorf("stats: decode %q: %w", e.Key, err)
		}
		if st.EntityID == "" {
			st.EntityID = strings.TrimPrefix(e.Key, userKeyPrefix)
		}
		all = append(all, st)
	}
	return all, nil
}
