// Package correlate reconciles the real-time DevLink3-derived call
// stream with the delayed, post-call SMDR stream: a live call and its
// SMDR record describe the same call from two different systems and
// arrive on two different schedules.
package correlate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/database"
	"github.com/snarg/ipo-telemetry/internal/resolver"
	"github.com/snarg/ipo-telemetry/internal/smdr"
	"github.com/snarg/ipo-telemetry/internal/statecore"
)

const (
	pendingMatchTTL  = 10 * time.Minute
	matchWindow      = 5 * time.Second
	evictionInterval = time.Minute
	statsLogInterval = time.Minute
)

// Store is the persistence surface the correlation engine needs.
// Defined here, at the consumer.
type Store interface {
	UpsertCall(ctx context.Context, u database.CallUpsert) (id int64, isNew bool, err error)
	ApplyCallEnrichment(ctx context.Context, callID int64, e database.CallEnrichment) error
	InsertSMDRRecord(ctx context.Context, r database.SMDRRow) (int64, error)
	MarkSMDRReconciled(ctx context.Context, smdrID, callID int64, reconciledAt time.Time) error
	FindCallsInWindow(ctx context.Context, extension string, from, to time.Time) ([]database.CallWindowCandidate, error)
}

// AgentResolver is the extension/agent-id lookup the engine resolves
// through on each live call event. Defined here, at the consumer.
type AgentResolver interface {
	Resolve(ctx context.Context, extension string) resolver.Handle
}

// pendingMatch tracks a live call awaiting its SMDR record.
type pendingMatch struct {
	externalCallID string
	dbCallID       int64
	extension      string
	startTime      time.Time
	receivedAt     time.Time
}

// Stats is the counter set logged once a minute.
type Stats struct {
	DevlinkEventsReceived uint64
	SMDRRecordsReceived   uint64
	MatchedCount          uint64
	UnmatchedCount        uint64
	Errors                uint64
	AvgMatchLatencyMs     float64
}

// Engine is the CorrelationEngine component.
type Engine struct {
	store    Store
	resolver AgentResolver
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*pendingMatch

	devlinkEvents, smdrRecords, matched, unmatched, errs uint64
	latencySumMs                                         float64
	latencyCount                                         uint64
}

// New builds an Engine. now is set to time.Now; tests may overwrite the
// field.
func New(store Store, res AgentResolver, log zerolog.Logger) *Engine {
	return &Engine{
		store:    store,
		resolver: res,
		log:      log,
		now:      time.Now,
		pending:  make(map[string]*pendingMatch),
	}
}

// Run starts the minute-granularity stale-pending eviction and stats
// logging loops; it blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	evictTicker := time.NewTicker(evictionInterval)
	statsTicker := time.NewTicker(statsLogInterval)
	defer evictTicker.Stop()
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-evictTicker.C:
			e.evictStale()
		case <-statsTicker.C:
			e.logStats()
		}
	}
}

// HandleLiveCall records a PendingMatch for a call observed on the live
// DevLink3 stream, keyed by external call id, upserting through the
// store so the pending entry carries the resolved internal call id.
// PersistBuffer is still responsible for appending the call's
// CallEvent rows; this call is idempotent (COALESCE-merge on the same
// external_call_id) and exists purely to learn the internal id.
func (e *Engine) HandleLiveCall(ctx context.Context, msg statecore.CallMessage) {
	e.mu.Lock()
	e.devlinkEvents++
	e.mu.Unlock()

	direction := string(msg.Call.Direction)
	state := msg.Call.State
	u := database.CallUpsert{
		ExternalCallID: msg.Call.ExternalCallID,
		Direction:      &direction,
		State:          &state,
	}
	if msg.Call.AgentExtension != "" {
		h := e.resolver.Resolve(ctx, msg.Call.AgentExtension)
		ext := h.Extension
		u.AgentExtension = &ext
		if h.Name != "" {
			u.AgentName = &h.Name
		}
	}
	if !msg.Call.StartTime.IsZero() {
		u.StartTime = &msg.Call.StartTime
	}

	id, _, err := e.store.UpsertCall(ctx, u)
	if err != nil {
		e.recordError(err, "correlate: upsert on live call event failed")
		return
	}

	e.mu.Lock()
	e.pending[msg.Call.ExternalCallID] = &pendingMatch{
		externalCallID: msg.Call.ExternalCallID,
		dbCallID:       id,
		extension:      msg.Call.AgentExtension,
		startTime:      msg.Call.StartTime,
		receivedAt:     e.now(),
	}
	e.mu.Unlock()
}

// HandleSMDR reconciles one SMDR record against the live stream using
// the three strategies in order: match by id, match by window, create
// standalone.
func (e *Engine) HandleSMDR(ctx context.Context, rec *smdr.Record) {
	e.mu.Lock()
	e.smdrRecords++
	e.mu.Unlock()

	row := database.SMDRRow{
		RawLine:                rec.RawLine,
		CallStart:              rec.CallStart,
		ConnectedSeconds:       rec.ConnectedSeconds,
		RingSeconds:            rec.RingSeconds,
		Direction:              rec.Direction,
		AccountCode:            rec.AccountCode,
		IsInternal:             rec.IsInternal,
		Party1Device:           rec.Party1Device,
		Party2Device:           rec.Party2Device,
		HoldSeconds:            rec.HoldSeconds,
		ParkSeconds:            rec.ParkSeconds,
		CallCharge:             rec.CallCharge,
		Currency:               rec.Currency,
		ExternalTargetingCause: rec.ExternalTargetingCause,
	}
	smdrID, err := e.store.InsertSMDRRecord(ctx, row)
	if err != nil {
		e.recordError(err, "correlate: insert smdr record failed")
		return
	}

	if pm, ok := e.claimByID(rec.CallID); ok {
		e.enrich(ctx, pm.dbCallID, rec, smdrID, pm.receivedAt)
		return
	}

	if ext := smdr.ExtractExtension(rec.Party1Device); ext != "" {
		candidates, err := e.store.FindCallsInWindow(ctx, ext, rec.CallStart.Add(-matchWindow), rec.CallStart.Add(matchWindow))
		if err != nil {
			e.recordError(err, "correlate: window match query failed")
			return
		}
		if len(candidates) == 1 {
			e.enrich(ctx, candidates[0].CallID, rec, smdrID, time.Time{})
			return
		}
	}

	e.createStandalone(ctx, rec, smdrID)
}

func (e *Engine) claimByID(callID string) (*pendingMatch, bool) {
	if callID == "" {
		return nil, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	pm, ok := e.pending[callID]
	if ok {
		delete(e.pending, callID)
	}
	return pm, ok
}

func (e *Engine) enrich(ctx context.Context, dbCallID int64, rec *smdr.Record, smdrID int64, pendingSince time.Time) {
	duration := float64(rec.ConnectedSeconds + rec.RingSeconds + rec.HoldSeconds + rec.ParkSeconds)
	enrichment := database.CallEnrichment{
		Duration:     duration,
		TalkDuration: float64(rec.ConnectedSeconds),
		HoldDuration: float64(rec.HoldSeconds),
		AccountCode:  rec.AccountCode,
		TrunkName:    rec.TrunkName,
		Answered:     rec.ConnectedSeconds > 0,
		Metadata: map[string]any{
			"smdr_record_id":           smdrID,
			"call_charge":              rec.CallCharge,
			"currency":                 rec.Currency,
			"external_targeting_cause": rec.ExternalTargetingCause,
		},
	}
	if err := e.store.ApplyCallEnrichment(ctx, dbCallID, enrichment); err != nil {
		e.recordError(err, "correlate: apply enrichment failed")
		return
	}

	now := e.now()
	if err := e.store.MarkSMDRReconciled(ctx, smdrID, dbCallID, now); err != nil {
		e.recordError(err, "correlate: mark smdr reconciled failed")
		return
	}

	e.mu.Lock()
	e.matched++
	if !pendingSince.IsZero() {
		e.latencySumMs += float64(now.Sub(pendingSince).Milliseconds())
		e.latencyCount++
	}
	e.mu.Unlock()
}

func (e *Engine) createStandalone(ctx context.Context, rec *smdr.Record, smdrID int64) {
	externalCallID := rec.CallID
	if externalCallID == "" {
		externalCallID = fmt.Sprintf("smdr-%d", smdrID)
	}

	direction := "internal"
	switch rec.Direction {
	case "I":
		direction = "inbound"
	case "O":
		direction = "outbound"
	}
	state := "completed"
	answered := rec.ConnectedSeconds > 0
	duration := float64(rec.ConnectedSeconds + rec.RingSeconds + rec.HoldSeconds + rec.ParkSeconds)
	talk := float64(rec.ConnectedSeconds)
	hold := float64(rec.HoldSeconds)
	extension := smdr.ExtractExtension(rec.Party1Device)

	u := database.CallUpsert{
		ExternalCallID: externalCallID,
		Direction:      &direction,
		State:          &state,
		StartTime:      &rec.CallStart,
		Duration:       &duration,
		TalkDuration:   &talk,
		HoldDuration:   &hold,
		Answered:       &answered,
		Metadata: map[string]any{
			"source":                   "smdr-only",
			"smdr_record_id":           smdrID,
			"call_charge":              rec.CallCharge,
			"currency":                 rec.Currency,
			"external_targeting_cause": rec.ExternalTargetingCause,
		},
	}
	if extension != "" {
		u.AgentExtension = &extension
	}
	if rec.AccountCode != "" {
		u.AccountCode = &rec.AccountCode
	}
	if rec.TrunkName != "" {
		u.TrunkName = &rec.TrunkName
	}

	callID, _, err := e.store.UpsertCall(ctx, u)
	if err != nil {
		e.recordError(err, "correlate: standalone call creation failed")
		return
	}

	now := e.now()
	if err := e.store.MarkSMDRReconciled(ctx, smdrID, callID, now); err != nil {
		e.recordError(err, "correlate: mark smdr reconciled (standalone) failed")
	}

	e.mu.Lock()
	e.unmatched++
	e.mu.Unlock()
}

func (e *Engine) evictStale() {
	cutoff := e.now().Add(-pendingMatchTTL)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, pm := range e.pending {
		if pm.receivedAt.Before(cutoff) {
			delete(e.pending, id)
		}
	}
}

func (e *Engine) recordError(err error, msg string) {
	e.mu.Lock()
	e.errs++
	e.mu.Unlock()
	e.log.Error().Err(err).Msg(msg)
}

func (e *Engine) logStats() {
	s := e.Stats()
	e.log.Info().
		Uint64("devlink_events_received", s.DevlinkEventsReceived).
		Uint64("smdr_records_received", s.SMDRRecordsReceived).
		Uint64("matched_count", s.MatchedCount).
		Uint64("unmatched_count", s.UnmatchedCount).
		Uint64("errors", s.Errors).
		Float64("avg_match_latency_ms", s.AvgMatchLatencyMs).
		Msg("correlate: stats")
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	avg := 0.0
	if e.latencyCount > 0 {
		avg = e.latencySumMs / float64(e.latencyCount)
	}
	return Stats{
		DevlinkEventsReceived: e.devlinkEvents,
		SMDRRecordsReceived:   e.smdrRecords,
		MatchedCount:          e.matched,
		UnmatchedCount:        e.unmatched,
		Errors:                e.errs,
		AvgMatchLatencyMs:     avg,
	}
}

// PendingCount returns the number of calls currently awaiting an SMDR
// match, for tests and health reporting.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
