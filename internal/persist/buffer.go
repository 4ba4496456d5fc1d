// Package persist buffers StateCore output and writes it to
// durable storage in batches, so a burst of call activity never turns
// into one database round trip per event.
package persist

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/database"
	"github.com/snarg/ipo-telemetry/internal/resolver"
	"github.com/snarg/ipo-telemetry/internal/statecore"
)

// Store is the persistence surface PersistBuffer writes through. Defined
// here, at the consumer, rather than in the database package.
type Store interface {
	UpsertCall(ctx context.Context, u database.CallUpsert) (id int64, isNew bool, err error)
	InsertCallEvents(ctx context.Context, rows []database.CallEventRow) error

	InsertAgentStateHistory(ctx context.Context, agentID int64, state, previousState string, startTime time.Time, callID *int64, reason string) error
	CloseAgentStateHistory(ctx context.Context, agentID int64, endTime time.Time) error
	UpdateAgentCurrentState(ctx context.Context, agentID int64, state string, stateStart time.Time, activeCallID *int64) error

	UpsertHuntGroupStats(ctx context.Context, number, name string, callsWaiting int, longestWaitSecs float64, agentsAvailable, agentsBusy int) error
}

// AgentResolver is the cache/placeholder lookup PersistBuffer resolves
// extensions through, rather than querying the store directly. Defined
// here, at the consumer.
type AgentResolver interface {
	Resolve(ctx context.Context, extension string) resolver.Handle
}

const (
	callEventBatchSize     = 50
	callEventBatchInterval = 500 * time.Millisecond
)

// Buffer is the PersistBuffer component: it receives Call/Agent/Group
// updates (typically via broker subscriptions wired up by the
// supervisor) and writes them to the Store, batching CallEvent rows.
type Buffer struct {
	store    Store
	resolver AgentResolver
	log      zerolog.Logger
	ctx      context.Context

	events *Batcher[database.CallEventRow]
}

// New builds a Buffer. ctx bounds every store call the buffer makes;
// callers should use a long-lived background context and rely on
// Stop for an orderly shutdown instead of cancelling ctx early.
func New(ctx context.Context, store Store, res AgentResolver, log zerolog.Logger) *Buffer {
	b := &Buffer{store: store, resolver: res, log: log, ctx: ctx}
	b.events = NewBatcher(callEventBatchSize, callEventBatchInterval, b.flushCallEvents)
	return b
}

// HandleCall persists a call's current snapshot and queues its event for
// batched insertion.
func (b *Buffer) HandleCall(msg statecore.CallMessage) {
	u := callUpsertFromSnapshot(msg.Call)
	id, _, err := b.store.UpsertCall(b.ctx, u)
	if err != nil {
		b.log.Error().Err(err).Str("call_id", msg.Call.ExternalCallID).Msg("upsert call failed")
		return
	}

	row, ok := callEventRowFromEvent(msg.Event)
	if !ok {
		return
	}
	row.CallID = id
	b.events.Add(row)
}

// HandleAgent writes the agent's new state: history row first, then the
// denormalized current-state column, matching the store's two-step
// ordering since it has no cross-statement transaction here.
func (b *Buffer) HandleAgent(msg statecore.AgentMessage) {
	agentID, err := b.resolveAgentID(msg.Agent.Extension)
	if err != nil {
		b.log.Error().Err(err).Str("extension", msg.Agent.Extension).Msg("resolve agent failed")
		return
	}

	if !msg.History.EndTime.IsZero() {
		if err := b.store.CloseAgentStateHistory(b.ctx, agentID, msg.History.EndTime); err != nil {
			b.log.Error().Err(err).Int64("agent_id", agentID).Msg("close agent state history failed")
		}
	}

	var callID *int64
	reason := msg.History.Reason
	if err := b.store.InsertAgentStateHistory(b.ctx, agentID, string(msg.History.State), string(msg.History.PreviousState), msg.History.StartTime, callID, reason); err != nil {
		b.log.Error().Err(err).Int64("agent_id", agentID).Msg("insert agent state history failed")
		return
	}

	var activeCallID *int64
	if err := b.store.UpdateAgentCurrentState(b.ctx, agentID, string(msg.Agent.State), msg.Agent.StateStart, activeCallID); err != nil {
		b.log.Error().Err(err).Int64("agent_id", agentID).Msg("update agent current state failed")
	}
}

// HandleGroup persists a hunt group's recomputed stats snapshot.
func (b *Buffer) HandleGroup(msg statecore.GroupMessage) {
	g := msg.Group
	err := b.store.UpsertHuntGroupStats(b.ctx, g.Number, g.Name,
		g.Stats.CallsWaiting, g.Stats.LongestWaitSecs, g.Stats.AgentsAvailable, g.Stats.AgentsBusy)
	if err != nil {
		b.log.Error().Err(err).Str("group", g.Number).Msg("upsert hunt group stats failed")
	}
}

// Stop flushes any pending CallEvent rows and waits for the flush to
// complete, for use during graceful shutdown.
func (b *Buffer) Stop() {
	b.events.Stop()
}

// resolveAgentID routes extension resolution through the shared
// AgentResolver cache instead of querying the store directly, so cache
// hits, placeholder creation, and the resolver's counters are actually
// exercised by the live agent-state path.
func (b *Buffer) resolveAgentID(extension string) (int64, error) {
	h := b.resolver.Resolve(b.ctx, extension)
	if h.Transient {
		return 0, fmt.Errorf("resolver: transient handle for extension %s", extension)
	}
	return h.AgentID, nil
}

func (b *Buffer) flushCallEvents(rows []database.CallEventRow) {
	if err := b.store.InsertCallEvents(b.ctx, rows); err != nil {
		b.log.Error().Err(err).Int("count", len(rows)).Msg("insert call events failed, requeueing")
		b.events.Requeue(rows)
	}
}

func callUpsertFromSnapshot(c statecore.Call) database.CallUpsert {
	direction := string(c.Direction)
	state := c.State

	u := database.CallUpsert{
		ExternalCallID: c.ExternalCallID,
		Direction:      &direction,
		State:          &state,
		Tags:           c.Tags,
		Metadata:       c.Metadata,
	}
	if c.CallerNumber != "" {
		u.CallerNumber = &c.CallerNumber
	}
	if c.CallerName != "" {
		u.CallerName = &c.CallerName
	}
	if c.CalledNumber != "" {
		u.CalledNumber = &c.CalledNumber
	}
	if c.CalledName != "" {
		u.CalledName = &c.CalledName
	}
	if c.QueueName != "" {
		u.QueueName = &c.QueueName
	}
	if !c.QueueEntryTime.IsZero() {
		u.QueueEntryTime = &c.QueueEntryTime
	}
	if c.AgentExtension != "" {
		u.AgentExtension = &c.AgentExtension
	}
	if c.AgentName != "" {
		u.AgentName = &c.AgentName
	}
	if c.TrunkID != "" {
		u.TrunkID = &c.TrunkID
	}
	if c.TrunkName != "" {
		u.TrunkName = &c.TrunkName
	}
	if !c.StartTime.IsZero() {
		u.StartTime = &c.StartTime
	}
	if !c.AnswerTime.IsZero() {
		u.AnswerTime = &c.AnswerTime
	}
	if !c.EndTime.IsZero() {
		u.EndTime = &c.EndTime
	}

	dur := c.Duration.Seconds()
	u.Duration = &dur
	talk := c.TalkDuration.Seconds()
	u.TalkDuration = &talk
	hold := c.HoldDuration.Seconds()
	u.HoldDuration = &hold
	holdCount := c.HoldCount
	u.HoldCount = &holdCount
	transferCount := c.TransferCount
	u.TransferCount = &transferCount
	answered := c.Answered
	u.Answered = &answered
	abandoned := c.Abandoned
	u.Abandoned = &abandoned
	recorded := c.Recorded
	u.Recorded = &recorded
	if c.AccountCode != "" {
		u.AccountCode = &c.AccountCode
	}

	return u
}

func callEventRowFromEvent(e statecore.CallEvent) (database.CallEventRow, bool) {
	if e.Type == "" {
		return database.CallEventRow{}, false
	}
	var dur *float64
	if e.Duration > 0 {
		d := e.Duration.Seconds()
		dur = &d
	}
	return database.CallEventRow{
		Type:       string(e.Type),
		OccurredAt: e.Timestamp,
		Duration:   dur,
		Party:      e.Party,
		Extension:  e.Extension,
		QueueName:  e.QueueName,
		Details:    e.Details,
	}, true
}
