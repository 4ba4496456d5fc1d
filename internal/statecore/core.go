package statecore

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/delta3"
)

// Publisher is the minimal fan-out surface StateCore needs; the broker
// package implements it. Kept tiny and defined at the consumer so
// StateCore never imports the broker package.
type Publisher interface {
	Publish(channel string, v any)
}

// CallMessage is published on the "calls" channel for every created,
// updated, or ended call.
type CallMessage struct {
	Type  string // "call:created" | "call:updated" | "call:ended"
	Call  Call
	Event CallEvent
}

// AgentMessage is published on the "agents" channel whenever an agent's
// derived state changes.
type AgentMessage struct {
	Agent   Agent
	History AgentStateHistory
}

// GroupMessage is published on the "groups" channel whenever a hunt
// group's recomputed stats change.
type GroupMessage struct {
	Group HuntGroup
}

// StateCore owns the live call/agent/hunt-group maps and emits domain
// events as the Delta3 stream mutates them. All access is serialized
// through a single RWMutex: this is a single-writer structure, exposed
// to other components only as read-only snapshots.
type StateCore struct {
	mu     sync.RWMutex
	calls  map[string]*Call
	agents map[string]*Agent
	groups map[string]*HuntGroup

	publisher     Publisher
	log           zerolog.Logger
	terminalGrace time.Duration
	now           func() time.Time

	removalTimers map[string]*time.Timer
}

// New builds a StateCore. terminalGrace defaults to 5s (spec's removal
// grace period) when zero.
func New(publisher Publisher, log zerolog.Logger, terminalGrace time.Duration) *StateCore {
	if terminalGrace <= 0 {
		terminalGrace = 5 * time.Second
	}
	return &StateCore{
		calls:         make(map[string]*Call),
		agents:        make(map[string]*Agent),
		groups:        make(map[string]*HuntGroup),
		publisher:     publisher,
		log:           log,
		terminalGrace: terminalGrace,
		now:           time.Now,
		removalTimers: make(map[string]*time.Timer),
	}
}

// HandleRecord dispatches a decoded Delta3 record to the matching
// handler. Tie-break order for state changes produced within one record
// is always: call update, then agent state, then group stats.
func (c *StateCore) HandleRecord(rec *delta3.Record) {
	if rec == nil {
		return
	}
	switch rec.Kind {
	case delta3.KindDetail:
		c.handleDetail(rec.Detail)
	case delta3.KindCallLost:
		c.handleCallLost(rec.CallLost)
	case delta3.KindLinkLost:
		c.log.Info().Msg("devlink3 link lost event received")
	case delta3.KindAttemptReject:
		c.log.Info().Str("call_id", rec.AttemptReject.CallID).Msg("call attempt rejected by pbx")
	}
}

func (c *StateCore) handleDetail(d *delta3.DetailRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[d.CallID]
	isNew := !ok
	if isNew {
		call = &Call{ExternalCallID: d.CallID, Metadata: map[string]any{}}
	}
	prevState := call.State

	direction := classifyDirection(d)
	call.Direction = direction

	if agentExt, agentName, ok := internalParty(d); ok {
		call.AgentExtension = agentExt
		call.AgentName = agentName
	}
	if trunkID, ok := trunkParty(d); ok {
		call.TrunkID = trunkID
		call.TrunkName = trunkID
	}

	if call.CallerNumber == "" && d.PartyA.Number != "" {
		call.CallerNumber = d.PartyA.Number
	}
	if call.CallerName == "" && d.PartyA.Name != "" {
		call.CallerName = d.PartyA.Name
	}
	if call.CalledNumber == "" && d.PartyB.Number != "" {
		call.CalledNumber = d.PartyB.Number
	}
	if call.CalledName == "" && d.PartyB.Name != "" {
		call.CalledName = d.PartyB.Name
	}

	for _, t := range d.Targets {
		if t.EquipType == delta3.EquipTypeHuntGroup && call.QueueName == "" {
			call.QueueName = t.Extension
			call.QueueEntryTime = c.now()
		}
	}

	if call.StartTime.IsZero() {
		call.StartTime = stampToTime(d.Stamp)
	}
	if call.AnswerTime.IsZero() && d.ConnectStamp > 0 && d.ConnectStamp >= d.Stamp {
		call.AnswerTime = stampToTime(d.ConnectStamp)
		call.Answered = true
	}

	newState := delta3.CallStateName(d.State)
	call.State = newState

	c.calls[d.CallID] = call

	evType := EventInitiated
	if !isNew {
		evType = callEventForTransition(prevState, newState)
	}
	event := CallEvent{
		CallID:    d.CallID,
		Type:      evType,
		Timestamp: c.now(),
		AgentID:   call.AgentExtension,
		Extension: call.AgentExtension,
		QueueName: call.QueueName,
	}

	msgType := "call:updated"
	if isNew {
		msgType = "call:created"
	}

	terminal := delta3.IsTerminal(newState)
	if terminal {
		call.EndTime = c.now()
		call.Duration = call.EndTime.Sub(call.StartTime)
		call.Abandoned = !call.Answered
		msgType = "call:ended"
		event.Type = EventCompleted
		if call.Abandoned {
			event.Type = EventAbandoned
		}
		c.scheduleRemoval(d.CallID)
	}

	c.publish("calls", CallMessage{Type: msgType, Call: *call, Event: event})

	if call.AgentExtension != "" {
		agentState := deriveAgentState(newState, terminal)
		c.setAgentState(call.AgentExtension, call.AgentName, agentState, d.CallID)
	}

	if call.QueueName != "" {
		c.recomputeGroupStats(call.QueueName)
	}
}

func (c *StateCore) handleCallLost(cl *delta3.CallLostRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	call, ok := c.calls[cl.CallID]
	if !ok {
		c.log.Warn().Str("call_id", cl.CallID).Msg("call lost for unknown call")
		return
	}

	call.State = string(delta3.CallStateCompleted)
	call.EndTime = stampToTime(cl.Stamp)
	if call.EndTime.IsZero() {
		call.EndTime = c.now()
	}
	call.Duration = call.EndTime.Sub(call.StartTime)
	call.Abandoned = !call.Answered
	if call.Metadata == nil {
		call.Metadata = map[string]any{}
	}
	call.Metadata["lost_cause"] = cl.Cause

	c.calls[cl.CallID] = call

	evType := EventCompleted
	if call.Abandoned {
		evType = EventAbandoned
	}
	c.publish("calls", CallMessage{
		Type: "call:ended",
		Call: *call,
		Event: CallEvent{
			CallID:    cl.CallID,
			Type:      evType,
			Timestamp: c.now(),
			AgentID:   call.AgentExtension,
			Extension: call.AgentExtension,
			QueueName: call.QueueName,
			Details:   map[string]any{"cause": cl.Cause},
		},
	})

	c.scheduleRemoval(cl.CallID)

	if call.AgentExtension != "" {
		c.setAgentState(call.AgentExtension, call.AgentName, AgentIdle, "")
	}
	if call.QueueName != "" {
		c.recomputeGroupStats(call.QueueName)
	}
}

// scheduleRemoval drops a terminal call from the live map after the
// configured grace period, so late-arriving SMDR correlation still finds
// it via PendingMatch before it disappears from snapshots.
func (c *StateCore) scheduleRemoval(callID string) {
	if t, ok := c.removalTimers[callID]; ok {
		t.Stop()
	}
	c.removalTimers[callID] = time.AfterFunc(c.terminalGrace, func() {
		c.mu.Lock()
		delete(c.calls, callID)
		delete(c.removalTimers, callID)
		c.mu.Unlock()
	})
}

// setAgentState must be called with c.mu held.
func (c *StateCore) setAgentState(extension, name string, state AgentState, callID string) {
	agent, ok := c.agents[extension]
	if !ok {
		agent = &Agent{Extension: extension, Name: name, State: AgentUnknown}
	}
	if agent.State == state && agent.ActiveCallID == callID {
		return
	}
	prev := agent.State
	now := c.now()

	history := AgentStateHistory{
		Extension:     extension,
		State:         state,
		PreviousState: prev,
		StartTime:     now,
		CallID:        callID,
	}

	agent.State = state
	agent.StateStart = now
	agent.ActiveCallID = callID
	if name != "" {
		agent.Name = name
	}
	c.agents[extension] = agent

	c.publish("agents", AgentMessage{Agent: *agent, History: history})
}

// recomputeGroupStats must be called with c.mu held.
func (c *StateCore) recomputeGroupStats(queueName string) {
	group, ok := c.groups[queueName]
	if !ok {
		group = &HuntGroup{ID: queueName, Name: queueName, Number: queueName}
	}

	now := c.now()
	stats := HuntGroupStats{}
	for _, call := range c.calls {
		if call.QueueName != queueName || call.State != string(delta3.CallStateQueued) {
			continue
		}
		stats.CallsWaiting++
		wait := now.Sub(call.QueueEntryTime).Seconds()
		if wait > stats.LongestWaitSecs {
			stats.LongestWaitSecs = wait
		}
	}
	for _, agent := range c.agents {
		activeCall, hasActive := c.calls[agent.ActiveCallID]
		if hasActive && activeCall.QueueName == queueName && agent.State != AgentIdle {
			stats.AgentsBusy++
		} else if agent.State == AgentIdle {
			stats.AgentsAvailable++
		}
	}

	group.Stats = stats
	c.groups[queueName] = group
	c.publish("groups", GroupMessage{Group: *group})
}

func (c *StateCore) publish(channel string, v any) {
	if c.publisher == nil {
		return
	}
	c.publisher.Publish(channel, v)
}

// Call returns a snapshot of a live call, if present.
func (c *StateCore) Call(externalCallID string) (Call, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	call, ok := c.calls[externalCallID]
	if !ok {
		return Call{}, false
	}
	return *call, true
}

// Agent returns a snapshot of an agent, if known.
func (c *StateCore) Agent(extension string) (Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	agent, ok := c.agents[extension]
	if !ok {
		return Agent{}, false
	}
	return *agent, true
}

// Group returns a snapshot of a hunt group's stats, if known.
func (c *StateCore) Group(id string) (HuntGroup, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	group, ok := c.groups[id]
	if !ok {
		return HuntGroup{}, false
	}
	return *group, true
}

func classifyDirection(d *delta3.DetailRecord) CallDirection {
	aExt, bExt := delta3.IsExtension(d.PartyA.EquipType), delta3.IsExtension(d.PartyB.EquipType)
	aTrunk, bTrunk := delta3.IsTrunk(d.PartyA.EquipType), delta3.IsTrunk(d.PartyB.EquipType)

	if aExt && bExt {
		return DirectionInternal
	}
	if aTrunk || bTrunk {
		if d.Direction == "I" {
			return DirectionInbound
		}
		return DirectionOutbound
	}
	return DirectionInternal
}

func internalParty(d *delta3.DetailRecord) (extension, name string, ok bool) {
	if delta3.IsExtension(d.PartyA.EquipType) {
		return d.PartyA.Extension, d.PartyA.Name, d.PartyA.Extension != ""
	}
	if delta3.IsExtension(d.PartyB.EquipType) {
		return d.PartyB.Extension, d.PartyB.Name, d.PartyB.Extension != ""
	}
	return "", "", false
}

func trunkParty(d *delta3.DetailRecord) (trunkID string, ok bool) {
	if delta3.IsTrunk(d.PartyA.EquipType) {
		return d.PartyA.Extension, true
	}
	if delta3.IsTrunk(d.PartyB.EquipType) {
		return d.PartyB.Extension, true
	}
	return "", false
}

// deriveAgentState maps a call's application state onto the agent-state
// set. A terminal call always idles its agent regardless of the mapped
// call state (the "completed|idle -> idle" rule in §4.5).
func deriveAgentState(callState string, terminal bool) AgentState {
	if terminal {
		return AgentIdle
	}
	switch callState {
	case string(delta3.CallStateConnected):
		return AgentTalking
	case string(delta3.CallStateRinging), string(delta3.CallStateQueued):
		return AgentRinging
	case string(delta3.CallStateHold):
		return AgentHold
	default:
		return AgentIdle
	}
}

// callEventForTransition picks a CallEvent type for a non-initial Detail
// record, based on the state it just entered.
func callEventForTransition(prevState, newState string) CallEventType {
	switch newState {
	case string(delta3.CallStateRinging):
		return EventRinging
	case string(delta3.CallStateQueued):
		return EventQueued
	case string(delta3.CallStateConnected):
		if prevState != string(delta3.CallStateConnected) {
			return EventAnswered
		}
		return EventRetrieved
	case string(delta3.CallStateHold):
		return EventHeld
	case string(delta3.CallStateParked):
		return EventParked
	default:
		return EventRinging
	}
}

func stampToTime(stamp int64) time.Time {
	if stamp <= 0 {
		return time.Time{}
	}
	return time.Unix(stamp, 0).UTC()
}
