package persist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/database"
	"github.com/snarg/ipo-telemetry/internal/resolver"
	"github.com/snarg/ipo-telemetry/internal/statecore"
)

type fakeStore struct {
	mu sync.Mutex

	calls         []database.CallUpsert
	events        [][]database.CallEventRow
	statesUpdated []int64

	huntGroups []string

	failInsertEventsOnce bool
	insertEventsCalls    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) UpsertCall(ctx context.Context, u database.CallUpsert) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, u)
	return int64(len(f.calls)), true, nil
}

func (f *fakeStore) InsertCallEvents(ctx context.Context, rows []database.CallEventRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insertEventsCalls++
	if f.failInsertEventsOnce {
		f.failInsertEventsOnce = false
		return errors.New("transient store failure")
	}
	cp := append([]database.CallEventRow(nil), rows...)
	f.events = append(f.events, cp)
	return nil
}

func (f *fakeStore) InsertAgentStateHistory(ctx context.Context, agentID int64, state, previousState string, startTime time.Time, callID *int64, reason string) error {
	return nil
}

func (f *fakeStore) CloseAgentStateHistory(ctx context.Context, agentID int64, endTime time.Time) error {
	return nil
}

func (f *fakeStore) UpdateAgentCurrentState(ctx context.Context, agentID int64, state string, stateStart time.Time, activeCallID *int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statesUpdated = append(f.statesUpdated, agentID)
	return nil
}

// fakeResolver is a minimal stand-in for *resolver.Resolver: first
// Resolve for an extension mints an id, subsequent calls return the
// same one, mirroring the real cache-then-placeholder contract closely
// enough to exercise PersistBuffer's resolver wiring.
type fakeResolver struct {
	mu     sync.Mutex
	byExt  map[string]resolver.Handle
	nextID int64
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{byExt: make(map[string]resolver.Handle), nextID: 1}
}

func (f *fakeResolver) Resolve(ctx context.Context, extension string) resolver.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	if h, ok := f.byExt[extension]; ok {
		return h
	}
	h := resolver.Handle{
		ID:        fmt.Sprintf("%d", f.nextID),
		AgentID:   f.nextID,
		Extension: extension,
		Name:      fmt.Sprintf("Extension %s", extension),
	}
	f.nextID++
	f.byExt[extension] = h
	return h
}

func (f *fakeStore) UpsertHuntGroupStats(ctx context.Context, number, name string, callsWaiting int, longestWaitSecs float64, agentsAvailable, agentsBusy int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.huntGroups = append(f.huntGroups, number)
	return nil
}

func TestBufferHandleCallUpsertsAndQueuesEvent(t *testing.T) {
	store := newFakeStore()
	b := New(context.Background(), store, newFakeResolver(), zerolog.Nop())
	defer b.Stop()

	b.HandleCall(statecore.CallMessage{
		Type: "call:created",
		Call: statecore.Call{ExternalCallID: "12345", State: "ringing"},
		Event: statecore.CallEvent{
			CallID:    "12345",
			Type:      statecore.EventInitiated,
			Timestamp: time.Unix(1707573600, 0),
		},
	})

	store.mu.Lock()
	n := len(store.calls)
	store.mu.Unlock()
	if n != 1 {
		t.Fatalf("expected 1 call upserted, got %d", n)
	}

	b.events.Flush()
	time.Sleep(50 * time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 1 || len(store.events[0]) != 1 {
		t.Fatalf("expected one flushed batch of one event, got %+v", store.events)
	}
	if store.events[0][0].CallID != 1 {
		t.Errorf("expected call event to carry resolved call id 1, got %d", store.events[0][0].CallID)
	}
}

func TestBufferHandleCallSkipsEventForEmptyEventType(t *testing.T) {
	store := newFakeStore()
	b := New(context.Background(), store, newFakeResolver(), zerolog.Nop())
	defer b.Stop()

	b.HandleCall(statecore.CallMessage{
		Call: statecore.Call{ExternalCallID: "1"},
	})

	b.events.Flush()
	time.Sleep(20 * time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.events) != 0 {
		t.Fatalf("expected no events flushed, got %+v", store.events)
	}
}

func TestBufferHandleAgentResolvesExtensionThroughResolver(t *testing.T) {
	store := newFakeStore()
	res := newFakeResolver()
	b := New(context.Background(), store, res, zerolog.Nop())
	defer b.Stop()

	b.HandleAgent(statecore.AgentMessage{
		Agent: statecore.Agent{Extension: "1001", Name: "Alice", State: statecore.AgentIdle, StateStart: time.Now()},
		History: statecore.AgentStateHistory{
			Extension: "1001",
			State:     statecore.AgentIdle,
			StartTime: time.Now(),
		},
	})

	res.mu.Lock()
	h, ok := res.byExt["1001"]
	res.mu.Unlock()
	if !ok {
		t.Fatal("expected the resolver to have resolved extension 1001")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.statesUpdated) != 1 || store.statesUpdated[0] != h.AgentID {
		t.Fatalf("expected current state updated for resolved agent %d, got %+v", h.AgentID, store.statesUpdated)
	}
}

func TestBufferHandleGroupUpsertsStats(t *testing.T) {
	store := newFakeStore()
	b := New(context.Background(), store, newFakeResolver(), zerolog.Nop())
	defer b.Stop()

	b.HandleGroup(statecore.GroupMessage{
		Group: statecore.HuntGroup{Number: "500", Name: "Sales", Stats: statecore.HuntGroupStats{CallsWaiting: 2}},
	})

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.huntGroups) != 1 || store.huntGroups[0] != "500" {
		t.Fatalf("expected hunt group 500 upserted, got %+v", store.huntGroups)
	}
}

func TestBufferRequeuesFailedFlush(t *testing.T) {
	store := newFakeStore()
	store.failInsertEventsOnce = true
	b := New(context.Background(), store, newFakeResolver(), zerolog.Nop())
	defer b.Stop()

	b.HandleCall(statecore.CallMessage{
		Call:  statecore.Call{ExternalCallID: "1"},
		Event: statecore.CallEvent{Type: statecore.EventInitiated, Timestamp: time.Now()},
	})

	b.events.Flush()
	time.Sleep(50 * time.Millisecond)
	b.events.Flush()
	time.Sleep(50 * time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.insertEventsCalls < 2 {
		t.Fatalf("expected at least 2 insert attempts (fail then retry), got %d", store.insertEventsCalls)
	}
	total := 0
	for _, batch := range store.events {
		total += len(batch)
	}
	if total != 1 {
		t.Fatalf("expected the requeued event to eventually persist exactly once, got total %d across %+v", total, store.events)
	}
}
