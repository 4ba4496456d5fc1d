// Package statecore holds the live, in-memory Call/Agent/HuntGroup maps
// built from the DevLink3 Delta3 event stream, and emits domain events as
// those maps change.
package statecore

import "time"

// CallDirection classifies a call relative to the PBX.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound"
	DirectionInternal CallDirection = "internal"
)

// Call is the live or just-completed view of one PBX call, keyed by the
// PBX-assigned external call id.
type Call struct {
	ExternalCallID string
	Direction      CallDirection
	State          string

	CallerNumber string
	CallerName   string
	CalledNumber string
	CalledName   string

	QueueName       string
	QueueEntryTime  time.Time
	AgentExtension  string
	AgentName       string
	TrunkID         string
	TrunkName       string

	StartTime  time.Time
	AnswerTime time.Time
	EndTime    time.Time

	Duration       time.Duration
	TalkDuration   time.Duration
	HoldCount      int
	HoldDuration   time.Duration
	TransferCount  int

	Answered  bool
	Abandoned bool
	Recorded  bool

	AccountCode string
	Tags        []string
	Metadata    map[string]any
}

// CallEventType enumerates the CallEvent.Type values a caller may see on
// the output stream.
type CallEventType string

const (
	EventInitiated        CallEventType = "initiated"
	EventQueued           CallEventType = "queued"
	EventDequeued         CallEventType = "dequeued"
	EventRinging          CallEventType = "ringing"
	EventAnswered         CallEventType = "answered"
	EventHeld             CallEventType = "held"
	EventRetrieved        CallEventType = "retrieved"
	EventTransferred      CallEventType = "transferred"
	EventConferenced      CallEventType = "conferenced"
	EventParked           CallEventType = "parked"
	EventUnparked         CallEventType = "unparked"
	EventVoicemail        CallEventType = "voicemail"
	EventCompleted        CallEventType = "completed"
	EventAbandoned        CallEventType = "abandoned"
	EventDTMF             CallEventType = "dtmf"
	EventRecordingStarted CallEventType = "recording_started"
	EventRecordingStopped CallEventType = "recording_stopped"
)

// CallEvent is an immutable lifecycle log entry for one call.
type CallEvent struct {
	CallID    string
	Type      CallEventType
	Timestamp time.Time
	Duration  time.Duration
	Party     string
	AgentID   string
	Extension string
	QueueName string
	Details   map[string]any
}

// AgentState enumerates the states an Agent can occupy.
type AgentState string

const (
	AgentIdle       AgentState = "idle"
	AgentTalking    AgentState = "talking"
	AgentRinging    AgentState = "ringing"
	AgentHold       AgentState = "hold"
	AgentACW        AgentState = "acw"
	AgentDND        AgentState = "dnd"
	AgentAway       AgentState = "away"
	AgentLoggedOut  AgentState = "logged-out"
	AgentUnknown    AgentState = "unknown"
)

// Agent is the in-memory, DevLink3-derived view of a PBX extension. This
// is distinct from the persisted Agent row: StateCore keys this map by
// extension since that's the only stable identifier the Delta3 stream
// itself carries, and never needs the durable agent id that AgentResolver
// assigns against the store.
type Agent struct {
	Extension     string
	Name          string
	State         AgentState
	StateStart    time.Time
	ActiveCallID  string
	GroupIDs      []string
}

// AgentStateHistory is one closed or open segment of an agent's state
// timeline.
type AgentStateHistory struct {
	Extension     string
	State         AgentState
	PreviousState AgentState
	StartTime     time.Time
	EndTime       time.Time // zero while the segment is still open
	CallID        string
	Reason        string
}

// HuntGroupStats is a point-in-time snapshot recomputed from the live
// call/agent maps, never stored transactionally.
type HuntGroupStats struct {
	CallsWaiting     int
	LongestWaitSecs  float64
	AgentsAvailable  int
	AgentsBusy       int
}

// HuntGroup is a routing group and its latest recomputed stats.
type HuntGroup struct {
	ID     string
	Name   string
	Number string
	Stats  HuntGroupStats
}
