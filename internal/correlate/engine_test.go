package correlate

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/database"
	"github.com/snarg/ipo-telemetry/internal/resolver"
	"github.com/snarg/ipo-telemetry/internal/smdr"
	"github.com/snarg/ipo-telemetry/internal/statecore"
)

type fakeStore struct {
	nextCallID int64
	calls      map[int64]database.CallUpsert
	byExternal map[string]int64

	enrichments map[int64]database.CallEnrichment
	reconciled  map[int64]int64 // smdrID -> callID

	windowCandidates []database.CallWindowCandidate
	windowErr        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		nextCallID:  1,
		calls:       make(map[int64]database.CallUpsert),
		byExternal:  make(map[string]int64),
		enrichments: make(map[int64]database.CallEnrichment),
		reconciled:  make(map[int64]int64),
	}
}

func (f *fakeStore) UpsertCall(ctx context.Context, u database.CallUpsert) (int64, bool, error) {
	if id, ok := f.byExternal[u.ExternalCallID]; ok {
		f.calls[id] = u
		return id, false, nil
	}
	id := f.nextCallID
	f.nextCallID++
	f.byExternal[u.ExternalCallID] = id
	f.calls[id] = u
	return id, true, nil
}

func (f *fakeStore) ApplyCallEnrichment(ctx context.Context, callID int64, e database.CallEnrichment) error {
	f.enrichments[callID] = e
	return nil
}

func (f *fakeStore) InsertSMDRRecord(ctx context.Context, r database.SMDRRow) (int64, error) {
	return int64(len(f.reconciled) + len(f.enrichments) + 1000), nil
}

func (f *fakeStore) MarkSMDRReconciled(ctx context.Context, smdrID, callID int64, reconciledAt time.Time) error {
	f.reconciled[smdrID] = callID
	return nil
}

func (f *fakeStore) FindCallsInWindow(ctx context.Context, extension string, from, to time.Time) ([]database.CallWindowCandidate, error) {
	return f.windowCandidates, f.windowErr
}

// fakeResolver mints a stable handle per extension on first Resolve, like
// the real cache-then-placeholder resolver.
type fakeResolver struct {
	byExt  map[string]resolver.Handle
	nextID int64
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{byExt: make(map[string]resolver.Handle), nextID: 1}
}

func (f *fakeResolver) Resolve(ctx context.Context, extension string) resolver.Handle {
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

// S3 — SMDR match by id.
func TestMatchByID(t *testing.T) {
	store := newFakeStore()
	e := New(store, newFakeResolver(), zerolog.Nop())

	e.HandleLiveCall(context.Background(), statecore.CallMessage{
		Call: statecore.Call{ExternalCallID: "12345", State: "connected"},
	})

	rec := &smdr.Record{
		CallID:           "12345",
		ConnectedSeconds: 100,
		RingSeconds:      5,
		HoldSeconds:      10,
		ParkSeconds:      0,
		AccountCode:      "ACCT001",
	}
	e.HandleSMDR(context.Background(), rec)

	callID := store.byExternal["12345"]
	enr, ok := store.enrichments[callID]
	if !ok {
		t.Fatal("expected the call to be enriched")
	}
	if enr.Duration != 115 {
		t.Errorf("Duration = %v, want 115", enr.Duration)
	}
	if enr.TalkDuration != 100 {
		t.Errorf("TalkDuration = %v, want 100", enr.TalkDuration)
	}
	if enr.HoldDuration != 10 {
		t.Errorf("HoldDuration = %v, want 10", enr.HoldDuration)
	}
	if enr.AccountCode != "ACCT001" {
		t.Errorf("AccountCode = %q, want ACCT001", enr.AccountCode)
	}

	stats := e.Stats()
	if stats.MatchedCount != 1 {
		t.Errorf("MatchedCount = %d, want 1", stats.MatchedCount)
	}
	if e.PendingCount() != 0 {
		t.Error("expected the pending match to be consumed")
	}
}

// S4 — SMDR window match.
func TestMatchByWindow(t *testing.T) {
	store := newFakeStore()
	store.windowCandidates = []database.CallWindowCandidate{
		{CallID: 42, StartTime: time.Date(2024, 2, 10, 12, 0, 7, 0, time.UTC)},
	}
	e := New(store, newFakeResolver(), zerolog.Nop())

	rec := &smdr.Record{
		CallStart:    time.Date(2024, 2, 10, 12, 0, 5, 0, time.UTC),
		Party1Device: "E1001",
	}
	e.HandleSMDR(context.Background(), rec)

	if _, ok := store.enrichments[42]; !ok {
		t.Fatal("expected call 42 to be enriched via window match")
	}
	if e.Stats().MatchedCount != 1 {
		t.Errorf("expected 1 matched via window, got %+v", e.Stats())
	}
}

func TestWindowMatchSkippedWhenMultipleCandidates(t *testing.T) {
	store := newFakeStore()
	store.windowCandidates = []database.CallWindowCandidate{
		{CallID: 1}, {CallID: 2},
	}
	e := New(store, newFakeResolver(), zerolog.Nop())

	rec := &smdr.Record{Party1Device: "E1001", CallStart: time.Now()}
	e.HandleSMDR(context.Background(), rec)

	if len(store.enrichments) != 0 {
		t.Error("expected no enrichment when multiple window candidates exist")
	}
	if e.Stats().UnmatchedCount != 1 {
		t.Errorf("expected the ambiguous match to fall through to standalone creation, got %+v", e.Stats())
	}
}

// S5 — SMDR no match creates a standalone call.
func TestStandaloneCreation(t *testing.T) {
	store := newFakeStore()
	e := New(store, newFakeResolver(), zerolog.Nop())

	rec := &smdr.Record{
		CallStart:        time.Now(),
		ConnectedSeconds: 30,
		Party1Device:     "T001", // not an extension, no window strategy possible
	}
	e.HandleSMDR(context.Background(), rec)

	if len(store.calls) != 1 {
		t.Fatalf("expected a standalone call to be created, got %d calls", len(store.calls))
	}
	var created database.CallUpsert
	for _, c := range store.calls {
		created = c
	}
	if created.Metadata["source"] != "smdr-only" {
		t.Errorf("expected metadata.source = smdr-only, got %+v", created.Metadata)
	}
	if *created.State != "completed" {
		t.Errorf("State = %q, want completed", *created.State)
	}
	if e.Stats().UnmatchedCount != 1 {
		t.Errorf("UnmatchedCount = %d, want 1", e.Stats().UnmatchedCount)
	}
}

func TestEvictStaleDiscardsOldPendingMatches(t *testing.T) {
	store := newFakeStore()
	e := New(store, newFakeResolver(), zerolog.Nop())

	fixedNow := time.Now()
	e.now = func() time.Time { return fixedNow }

	e.HandleLiveCall(context.Background(), statecore.CallMessage{
		Call: statecore.Call{ExternalCallID: "1"},
	})
	if e.PendingCount() != 1 {
		t.Fatal("expected one pending match")
	}

	e.now = func() time.Time { return fixedNow.Add(11 * time.Minute) }
	e.evictStale()

	if e.PendingCount() != 0 {
		t.Error("expected the stale pending match to be evicted")
	}
}
