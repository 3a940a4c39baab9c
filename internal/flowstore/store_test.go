package flowstore

import (
	"fmt"
	"testing"
	"time"

	"github.com/R3E-Network/interceptorhub/internal/eventbus"
	"github.com/R3E-Network/interceptorhub/internal/flow"
)

func testFlow(id string) *flow.Flow {
	return &flow.Flow{
		ID:      id,
		Request: flow.Request{Method: "GET", URL: "https://x/y"},
	}
}

// S2 — a new flow is added once and is visible via All().
func TestAddNewFlowInsertsAtEnd(t *testing.T) {
	s := New(DefaultConfig(), nil)
	s.Add(testFlow("f1"))

	all := s.All()
	if len(all) != 1 || all[0].ID != "f1" {
		t.Fatalf("expected [f1], got %+v", all)
	}
}

func TestAddExistingIDUpdatesInPlacePreservingPosition(t *testing.T) {
	s := New(DefaultConfig(), nil)
	s.Add(testFlow("f1"))
	s.Add(testFlow("f2"))

	updated := testFlow("f1")
	updated.Modified = true
	s.Add(updated)

	all := s.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 flows after update, got %d", len(all))
	}
	if all[0].ID != "f1" || !all[0].Modified {
		t.Errorf("expected f1 updated in place at position 0, got %+v", all[0])
	}
}

func TestAddEmitsAddedThenUpdated(t *testing.T) {
	s := New(DefaultConfig(), nil)
	sub := s.Observe()
	defer sub.Cancel()

	s.Add(testFlow("f1"))
	select {
	case f := <-sub.Added:
		if f.ID != "f1" {
			t.Errorf("Added event id = %s, want f1", f.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Added event")
	}

	s.Add(testFlow("f1"))
	select {
	case f := <-sub.Updated:
		if f.ID != "f1" {
			t.Errorf("Updated event id = %s, want f1", f.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Updated event")
	}
}

func TestClearEmptiesStoreAndEmitsCleared(t *testing.T) {
	s := New(DefaultConfig(), nil)
	sub := s.Observe()
	defer sub.Cancel()

	s.Add(testFlow("f1"))
	<-sub.Added

	s.Clear()
	select {
	case <-sub.Cleared:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Cleared event")
	}

	if stats := s.Stats(); stats.Count != 0 {
		t.Errorf("expected 0 flows after clear, got %d", stats.Count)
	}
}

func TestHardCountEnforcedOldestFirst(t *testing.T) {
	s := New(Config{MaxFlows: 3, MaxBytes: 1 << 30, MaxAge: time.Hour}, nil)
	for i := 0; i < 5; i++ {
		s.Add(testFlow(fmt.Sprintf("f%d", i)))
	}

	all := s.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 flows retained, got %d", len(all))
	}
	want := []string{"f2", "f3", "f4"}
	for i, f := range all {
		if f.ID != want[i] {
			t.Errorf("position %d = %s, want %s", i, f.ID, want[i])
		}
	}
}

func TestMemoryBudgetEvictsOnlyFlowsOlderThanAgeThreshold(t *testing.T) {
	s := New(Config{MaxFlows: 1000, MaxBytes: 1000, MaxAge: time.Hour}, nil)
	clock := time.Now()
	s.now = func() time.Time { return clock }

	big := testFlow("old")
	big.Request.Body = make([]byte, 2000)
	s.Add(big)

	// advance the clock past the age threshold, then add another large
	// flow that pushes the store over budget.
	clock = clock.Add(2 * time.Hour)
	big2 := testFlow("new")
	big2.Request.Body = make([]byte, 2000)
	s.Add(big2)

	all := s.All()
	if len(all) != 1 || all[0].ID != "new" {
		t.Fatalf("expected only the newest flow retained, got %+v", all)
	}
}

func TestMemoryBudgetLeavesYoungFlowsEvenWhenOverBudget(t *testing.T) {
	s := New(Config{MaxFlows: 1000, MaxBytes: 10, MaxAge: time.Hour}, nil)
	s.Add(testFlow("f1"))
	s.Add(testFlow("f2"))

	if stats := s.Stats(); stats.Count != 2 {
		t.Fatalf("expected both young flows retained despite exceeding the soft budget, got %d", stats.Count)
	}
}

func TestPausedCounterTracksEviction(t *testing.T) {
	s := New(Config{MaxFlows: 1, MaxBytes: 1 << 30, MaxAge: time.Hour}, nil)
	paused := testFlow("f1")
	paused.Paused = true
	s.Add(paused)

	if stats := s.Stats(); stats.PausedCount != 1 {
		t.Fatalf("expected paused count 1, got %d", stats.PausedCount)
	}

	s.Add(testFlow("f2")) // evicts f1 under MaxFlows=1

	if stats := s.Stats(); stats.PausedCount != 0 {
		t.Fatalf("expected paused count 0 after eviction, got %d", stats.PausedCount)
	}
}

func TestDropOldestOnSubscriberOverflow(t *testing.T) {
	s := New(DefaultConfig(), nil)
	sub := s.Observe()
	defer sub.Cancel()

	for i := 0; i < eventbus.DefaultBufferSize+10; i++ {
		s.Add(testFlow(fmt.Sprintf("f%d", i)))
	}

	if len(sub.Added) != eventbus.DefaultBufferSize {
		t.Fatalf("expected subscriber buffer to stay at cap %d, got %d", eventbus.DefaultBufferSize, len(sub.Added))
	}

	first := <-sub.Added
	if first.ID == "f0" {
		t.Errorf("expected oldest buffered event to have been dropped")
	}
}
