package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"switchboard/pkg/comms"
	"switchboard/pkg/proto"
	"switchboard/pkg/resilience/circuit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "switchboard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestBreakerStatsRoundTrip(t *testing.T) {
	store := openTestStore(t)

	now := time.Now().UTC().Truncate(time.Second)
	in := circuit.Stats{
		State:               circuit.Open,
		TotalRequests:       42,
		TotalSuccesses:      30,
		TotalFailures:       12,
		ConsecutiveFailures: 5,
		LastFailureTime:     now,
		LastStateChange:     now,
	}
	if err := store.Save("gemini_api", in); err != nil {
		t.Fatalf("save: %v", err)
	}

	out, found, err := store.Load("gemini_api")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found {
		t.Fatal("expected stats to be found")
	}
	if out.State != circuit.Open {
		t.Errorf("state = %s, want %s", out.State, circuit.Open)
	}
	if out.TotalRequests != 42 || out.ConsecutiveFailures != 5 {
		t.Errorf("counters = %d/%d, want 42/5", out.TotalRequests, out.ConsecutiveFailures)
	}
}

func TestBreakerStatsUpsert(t *testing.T) {
	store := openTestStore(t)

	if err := store.Save("tool_api", circuit.Stats{State: circuit.Closed, TotalRequests: 1}); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := store.Save("tool_api", circuit.Stats{State: circuit.HalfOpen, TotalRequests: 2}); err != nil {
		t.Fatalf("second save: %v", err)
	}

	out, found, err := store.Load("tool_api")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if out.State != circuit.HalfOpen || out.TotalRequests != 2 {
		t.Errorf("got %s/%d, want half_open/2", out.State, out.TotalRequests)
	}
}

func TestLoadUnknownBreaker(t *testing.T) {
	store := openTestStore(t)

	_, found, err := store.Load("never_seen")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Error("expected found=false for unknown name")
	}
}

func TestRecordAndReadEvents(t *testing.T) {
	store := openTestStore(t)

	msg := proto.NewMessage("master", "browser_agent", proto.MsgTypeREQUEST, "open the door", proto.Context{}, nil)
	events := []comms.Event{
		{Type: comms.EventMessageQueued, AgentID: "browser_agent", Message: msg, Timestamp: time.Now()},
		{Type: comms.EventMessageFailed, AgentID: "browser_agent", Message: msg, Error: "boom", Timestamp: time.Now()},
		{Type: comms.EventManagerCleared, Timestamp: time.Now()},
	}
	for _, ev := range events {
		if err := store.RecordEvent(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recs, err := store.RecentEvents(10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	// Newest first.
	if recs[0].EventType != string(comms.EventManagerCleared) {
		t.Errorf("first record = %s, want %s", recs[0].EventType, comms.EventManagerCleared)
	}
	if recs[1].Error != "boom" {
		t.Errorf("failed event error = %q, want boom", recs[1].Error)
	}
	if recs[2].MessageID != msg.ID {
		t.Errorf("message id = %q, want %q", recs[2].MessageID, msg.ID)
	}
}

func TestRecentEventsLimit(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		ev := comms.Event{Type: comms.EventMessageProcessed, AgentID: "a", Timestamp: time.Now()}
		if err := store.RecordEvent(ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	recs, err := store.RecentEvents(2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("got %d records, want 2", len(recs))
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "switchboard.db")
	first, err := Open(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := first.Save("dep", circuit.Stats{State: circuit.Closed, TotalRequests: 7}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second, err := Open(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	t.Cleanup(func() { _ = second.Close() })

	out, found, err := second.Load("dep")
	if err != nil || !found {
		t.Fatalf("load after reopen: found=%v err=%v", found, err)
	}
	if out.TotalRequests != 7 {
		t.Errorf("TotalRequests = %d, want 7", out.TotalRequests)
	}
}
