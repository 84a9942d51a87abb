package stats

import (
	"fmt"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/skysnapco/skyreply/internal/store"
)

func newTestAggregator(t *testing.T, window int) (*Aggregator, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "skyreply.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s, window), s
}

func record(subject string, ts time.Time, units int, labels ...string) ActionRecord {
	rec := ActionRecord{
		SubjectID: subject,
		Timestamp: ts,
		UnitCount: units,
		Summary:   "looks like " + subject,
	}
	for _, l := range labels {
		rec.Categories = append(rec.Categories, Category{Label: l, Confidence: 0.9})
	}
	return rec
}

func TestAppendFirstAction(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	st, err := a.Append("u1", "Sky Watcher", record("s1", ts, 3, "cumulus"))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}

	if st.TotalActions != 1 {
		t.Errorf("TotalActions = %d, want 1", st.TotalActions)
	}
	if st.TotalUnits != 3 {
		t.Errorf("TotalUnits = %d, want 3", st.TotalUnits)
	}
	if !st.FirstActionAt.Equal(ts) || !st.LastActionAt.Equal(ts) {
		t.Errorf("first/last = %v/%v, want both %v", st.FirstActionAt, st.LastActionAt, ts)
	}
	if st.Histogram["cumulus"] != 1 {
		t.Errorf("histogram = %v", st.Histogram)
	}
	if st.DisplayName != "Sky Watcher" {
		t.Errorf("DisplayName = %q", st.DisplayName)
	}
}

func TestAppendDisplayNameLastWriteWins(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if _, err := a.Append("u1", "Old Name", record("s1", ts, 1, "cumulus")); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	st, err := a.Append("u1", "New Name", record("s2", ts.Add(time.Hour), 1, "cirrus"))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if st.DisplayName != "New Name" {
		t.Errorf("DisplayName = %q, want New Name", st.DisplayName)
	}
}

func TestRollbackRestoresPreAppendState(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	base := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := record(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Hour), 2, "cumulus", "cirrus")
		if _, err := a.Append("u1", "Watcher", rec); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	before, _, err := a.GetStats("u1")
	if err != nil {
		t.Fatalf("GetStats error: %v", err)
	}

	extra := record("s99", base.Add(10*time.Hour), 5, "stratus")
	if _, err := a.Append("u1", "Watcher", extra); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	ok, err := a.RollbackLast("u1")
	if err != nil {
		t.Fatalf("RollbackLast error: %v", err)
	}
	if !ok {
		t.Fatal("RollbackLast should succeed")
	}

	after, _, err := a.GetStats("u1")
	if err != nil {
		t.Fatalf("GetStats error: %v", err)
	}

	if after.TotalActions != before.TotalActions {
		t.Errorf("TotalActions = %d, want %d", after.TotalActions, before.TotalActions)
	}
	if after.TotalUnits != before.TotalUnits {
		t.Errorf("TotalUnits = %d, want %d", after.TotalUnits, before.TotalUnits)
	}
	if !reflect.DeepEqual(after.Histogram, before.Histogram) {
		t.Errorf("Histogram = %v, want %v", after.Histogram, before.Histogram)
	}
	if len(after.Recent) != len(before.Recent) {
		t.Errorf("len(Recent) = %d, want %d", len(after.Recent), len(before.Recent))
	}
	if !after.LastActionAt.Equal(before.LastActionAt) {
		t.Errorf("LastActionAt = %v, want %v", after.LastActionAt, before.LastActionAt)
	}
}

func TestRollbackRemovesZeroCategories(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if _, err := a.Append("u1", "W", record("s1", ts, 1, "stratus")); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if _, err := a.RollbackLast("u1"); err != nil {
		t.Fatalf("RollbackLast error: %v", err)
	}

	st, _, err := a.GetStats("u1")
	if err != nil {
		t.Fatalf("GetStats error: %v", err)
	}
	if _, exists := st.Histogram["stratus"]; exists {
		t.Errorf("zero-count category should be removed, histogram = %v", st.Histogram)
	}
	if !st.LastActionAt.Equal(st.FirstActionAt) {
		t.Errorf("empty history should reset LastActionAt to FirstActionAt")
	}
}

func TestRollbackNothingToUndo(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	ok, err := a.RollbackLast("unknown")
	if err != nil {
		t.Fatalf("RollbackLast error: %v", err)
	}
	if ok {
		t.Error("rollback of unknown entity should report false")
	}

	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if _, err := a.Append("u1", "W", record("s1", ts, 1, "cumulus")); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if _, err := a.RollbackLast("u1"); err != nil {
		t.Fatalf("RollbackLast error: %v", err)
	}
	ok, err = a.RollbackLast("u1")
	if err != nil {
		t.Fatalf("RollbackLast error: %v", err)
	}
	if ok {
		t.Error("rollback with empty history should report false")
	}
}

func TestWindowEviction(t *testing.T) {
	a, _ := newTestAggregator(t, 5)

	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		rec := record(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute), 1, "cumulus")
		if _, err := a.Append("u1", "W", rec); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	st, _, err := a.GetStats("u1")
	if err != nil {
		t.Fatalf("GetStats error: %v", err)
	}
	if len(st.Recent) != 5 {
		t.Errorf("len(Recent) = %d, want 5", len(st.Recent))
	}
	// Evicted records stay counted.
	if st.TotalActions != 8 {
		t.Errorf("TotalActions = %d, want 8", st.TotalActions)
	}
	if st.Histogram["cumulus"] != 8 {
		t.Errorf("histogram count = %d, want 8", st.Histogram["cumulus"])
	}
	if st.Recent[0].SubjectID != "s3" {
		t.Errorf("oldest retained = %s, want s3", st.Recent[0].SubjectID)
	}
}

func TestHistogramConsistency(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	labelSets := [][]string{
		{"cumulus"},
		{"cumulus", "cirrus"},
		{"stratus", "cirrus", "cumulonimbus"},
		{},
		{"cirrus"},
	}
	wantTotal := 0
	for i, labels := range labelSets {
		rec := record(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute), 1, labels...)
		wantTotal += len(labels)
		if _, err := a.Append("u1", "W", rec); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	st, _, err := a.GetStats("u1")
	if err != nil {
		t.Fatalf("GetStats error: %v", err)
	}
	got := 0
	for _, n := range st.Histogram {
		got += n
	}
	if got != wantTotal {
		t.Errorf("sum(histogram) = %d, want %d", got, wantTotal)
	}
}

func TestGetRecentMostRecentFirst(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		rec := record(fmt.Sprintf("s%d", i), base.Add(time.Duration(i)*time.Minute), 1, "cumulus")
		if _, err := a.Append("u1", "W", rec); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	recent, err := a.GetRecent("u1", 2)
	if err != nil {
		t.Fatalf("GetRecent error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len = %d, want 2", len(recent))
	}
	if recent[0].SubjectID != "s3" || recent[1].SubjectID != "s2" {
		t.Errorf("got %s, %s; want s3, s2", recent[0].SubjectID, recent[1].SubjectID)
	}

	none, err := a.GetRecent("unknown", 5)
	if err != nil {
		t.Fatalf("GetRecent error: %v", err)
	}
	if none != nil {
		t.Errorf("unknown entity should return nil, got %v", none)
	}
}

func TestGlobalCategoryRanking(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	appendOne := func(entity string, i int, labels ...string) {
		t.Helper()
		rec := record(fmt.Sprintf("%s-%d", entity, i), base.Add(time.Duration(i)*time.Minute), 1, labels...)
		if _, err := a.Append(entity, entity, rec); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	appendOne("u1", 0, "cumulus", "cirrus")
	appendOne("u1", 1, "cumulus")
	appendOne("u2", 2, "cumulus")
	appendOne("u2", 3, "stratus")

	ranking, err := a.GlobalCategoryRanking()
	if err != nil {
		t.Fatalf("GlobalCategoryRanking error: %v", err)
	}
	if len(ranking) != 3 {
		t.Fatalf("len = %d, want 3", len(ranking))
	}
	if ranking[0].Label != "cumulus" || ranking[0].Count != 3 {
		t.Errorf("top = %+v, want cumulus/3", ranking[0])
	}
	// Ties break alphabetically.
	if ranking[1].Label != "cirrus" || ranking[2].Label != "stratus" {
		t.Errorf("tie order = %s, %s; want cirrus, stratus", ranking[1].Label, ranking[2].Label)
	}
}

func TestActiveEntityRanking(t *testing.T) {
	a, _ := newTestAggregator(t, 100)

	base := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if _, err := a.Append("busy", "Busy", record(fmt.Sprintf("b%d", i), base.Add(time.Duration(i)*time.Minute), 1, "cumulus", "cirrus")); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}
	if _, err := a.Append("quiet", "Quiet", record("q0", base, 1, "stratus")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	ranks, err := a.ActiveEntityRanking(10)
	if err != nil {
		t.Fatalf("ActiveEntityRanking error: %v", err)
	}
	if len(ranks) != 2 {
		t.Fatalf("len = %d, want 2", len(ranks))
	}
	if ranks[0].EntityID != "busy" || ranks[0].TotalActions != 3 || ranks[0].DistinctCategories != 2 {
		t.Errorf("top = %+v", ranks[0])
	}

	limited, err := a.ActiveEntityRanking(1)
	if err != nil {
		t.Fatalf("ActiveEntityRanking error: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit not applied, len = %d", len(limited))
	}
}

func TestRecordMirror(t *testing.T) {
	a, s := newTestAggregator(t, 100)

	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	if _, err := a.Append("u1", "W", record("s1", ts, 1, "cumulus")); err != nil {
		t.Fatalf("Append error: %v", err)
	}

	entries, err := s.ScanPrefix("record:u1:")
	if err != nil {
		t.Fatalf("ScanPrefix error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("mirror entries = %d, want 1", len(entries))
	}

	if _, err := a.RollbackLast("u1"); err != nil {
		t.Fatalf("RollbackLast error: %v", err)
	}
	entries, err = s.ScanPrefix("record:u1:")
	if err != nil {
		t.Fatalf("ScanPrefix error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("mirror should be deleted on rollback, got %d entries", len(entries))
	}
}
