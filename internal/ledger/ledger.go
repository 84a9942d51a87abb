// Package ledger records which inbound notification IDs have already been
// given a terminal disposition. Presence of a record is the "already handled"
// signal; the record body exists for audit only.
package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/skysnapco/skyreply/internal/store"
)

const keyPrefix = "processed_at:"

// Sentinel target IDs recorded when the notification's content reference
// could not be resolved to a real entity.
const (
	TargetUnparseable = "unparseable"
	TargetInvalid     = "invalid"
)

// ProcessedEvent proves a notification has been handled. Written exactly
// once, after a terminal decision; never mutated by the normal workflow.
type ProcessedEvent struct {
	EventID     int64     `json:"eventId"`
	TargetID    string    `json:"targetId"`
	ProcessedAt time.Time `json:"processedAt"`
	SourceActor string    `json:"sourceActor,omitempty"`
	RawRef      string    `json:"rawRef,omitempty"`
}

type Ledger struct {
	store *store.Store
}

func New(s *store.Store) *Ledger {
	return &Ledger{store: s}
}

func key(eventID int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, eventID)
}

// IsProcessed reports whether eventID already has a terminal disposition.
// A missing key is false, never an error.
func (l *Ledger) IsProcessed(eventID int64) (bool, error) {
	ok, err := l.store.Has(key(eventID))
	if err != nil {
		return false, fmt.Errorf("ledger: %w", err)
	}
	return ok, nil
}

func (l *Ledger) Record(ev ProcessedEvent) error {
	if ev.ProcessedAt.IsZero() {
		ev.ProcessedAt = time.Now()
	}
	if err := l.store.Put(key(ev.EventID), ev); err != nil {
		return fmt.Errorf("ledger: %w", err)
	}
	return nil
}

func (l *Ledger) Get(eventID int64) (ProcessedEvent, bool, error) {
	var ev ProcessedEvent
	ok, err := l.store.Get(key(eventID), &ev)
	if err != nil {
		return ProcessedEvent{}, false, fmt.Errorf("ledger: %w", err)
	}
	return ev, ok, nil
}

// Delete removes a record so the event becomes eligible again on the next
// cycle. Operator tooling only; the workflow never calls this.
func (l *Ledger) Delete(eventID int64) (bool, error) {
	ok, err := l.store.Delete(key(eventID))
	if err != nil {
		return false, fmt.Errorf("ledger: %w", err)
	}
	return ok, nil
}

// List returns all processed events, most recent first.
func (l *Ledger) List() ([]ProcessedEvent, error) {
	entries, err := l.store.ScanPrefix(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}

	events := make([]ProcessedEvent, 0, len(entries))
	for _, e := range entries {
		var ev ProcessedEvent
		if err := json.Unmarshal(e.Value, &ev); err != nil {
			return nil, fmt.Errorf("ledger: decode %q: %w", e.Key, err)
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].ProcessedAt.After(events[j].ProcessedAt)
	})
	return events, nil
}

// Count reports the number of ledger records.
func (l *Ledger) Count() (int, error) {
	n, err := l.store.CountPrefix(keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("ledger: %w", err)
	}
	return n, nil
}
