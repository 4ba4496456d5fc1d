package statecore

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ipo-telemetry/internal/delta3"
)

type recordingPublisher struct {
	mu    sync.Mutex
	calls []CallMessage
}

func (p *recordingPublisher) Publish(channel string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if channel == "calls" {
		p.calls = append(p.calls, v.(CallMessage))
	}
}

func (p *recordingPublisher) callMessages() []CallMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CallMessage, len(p.calls))
	copy(out, p.calls)
	return out
}

// TestCallLifecycle implements scenario S2: a Detail record establishing
// a connected inbound call, followed by a CallLost record ending it.
func TestCallLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	sc := New(pub, zerolog.Nop(), time.Millisecond)

	detail := &delta3.DetailRecord{
		CallID:       "12345",
		State:        2, // connected
		Direction:    "I",
		Stamp:        1707573600,
		ConnectStamp: 1707573610,
		PartyA:       delta3.Party{EquipType: delta3.EquipTypeSIPDevice, Extension: "1001"},
		PartyB:       delta3.Party{EquipType: delta3.EquipTypeSIPTrunk, Extension: "9001"},
	}
	sc.HandleRecord(&delta3.Record{Kind: delta3.KindDetail, Detail: detail})

	call, ok := sc.Call("12345")
	if !ok {
		t.Fatal("expected call 12345 to exist after Detail")
	}
	if call.Direction != DirectionInbound {
		t.Errorf("direction = %q, want inbound", call.Direction)
	}
	if !call.Answered || call.AnswerTime.IsZero() {
		t.Errorf("expected call answered with a non-zero answer time, got %+v", call)
	}

	lost := &delta3.CallLostRecord{CallID: "12345", Cause: 16, Stamp: 1707573700}
	sc.HandleRecord(&delta3.Record{Kind: delta3.KindCallLost, CallLost: lost})

	msgs := pub.callMessages()
	var created, ended bool
	for _, m := range msgs {
		switch m.Type {
		case "call:created":
			created = true
		case "call:ended":
			ended = true
			if m.Call.EndTime.Before(m.Call.StartTime) {
				t.Errorf("end_time %v before start_time %v", m.Call.EndTime, m.Call.StartTime)
			}
			wantDuration := 100 * time.Second
			if d := m.Call.Duration - wantDuration; d > time.Second || d < -time.Second {
				t.Errorf("duration = %v, want ~%v", m.Call.Duration, wantDuration)
			}
		}
	}
	if !created || !ended {
		t.Fatalf("expected both call:created and call:ended, got %+v", msgs)
	}

	agent, ok := sc.Agent("1001")
	if !ok {
		t.Fatal("expected agent 1001 to exist")
	}
	if agent.State != AgentIdle {
		t.Errorf("agent state after call end = %q, want idle", agent.State)
	}
}

func TestInternalCallDirection(t *testing.T) {
	sc := New(&recordingPublisher{}, zerolog.Nop(), time.Second)
	detail := &delta3.DetailRecord{
		CallID: "55",
		State:  1,
		PartyA: delta3.Party{EquipType: delta3.EquipTypeTDMPhone, Extension: "1001"},
		PartyB: delta3.Party{EquipType: delta3.EquipTypeSIPDevice, Extension: "1002"},
	}
	sc.HandleRecord(&delta3.Record{Kind: delta3.KindDetail, Detail: detail})

	call, ok := sc.Call("55")
	if !ok || call.Direction != DirectionInternal {
		t.Errorf("expected internal direction, got %+v", call)
	}
}

func TestTerminalCallRemovedAfterGracePeriod(t *testing.T) {
	sc := New(&recordingPublisher{}, zerolog.Nop(), 20*time.Millisecond)
	detail := &delta3.DetailRecord{
		CallID: "88",
		State:  3, // completed
		PartyA: delta3.Party{EquipType: delta3.EquipTypeSIPDevice, Extension: "1001"},
		PartyB: delta3.Party{EquipType: delta3.EquipTypeSIPTrunk, Extension: "9001"},
	}
	sc.HandleRecord(&delta3.Record{Kind: delta3.KindDetail, Detail: detail})

	if _, ok := sc.Call("88"); !ok {
		t.Fatal("call should still be live immediately after the terminal record")
	}

	time.Sleep(60 * time.Millisecond)

	if _, ok := sc.Call("88"); ok {
		t.Error("call should have been removed after the grace period elapsed")
	}
}

func TestLinkLostAndAttemptRejectDoNotMutateState(t *testing.T) {
	sc := New(&recordingPublisher{}, zerolog.Nop(), time.Second)
	sc.HandleRecord(&delta3.Record{Kind: delta3.KindLinkLost, LinkLost: &delta3.LinkLostRecord{Stamp: 1}})
	sc.HandleRecord(&delta3.Record{Kind: delta3.KindAttemptReject, AttemptReject: &delta3.AttemptRejectRecord{CallID: "1", Cause: 1}})

	if len(sc.calls) != 0 {
		t.Errorf("expected no calls created from LinkLost/AttemptReject, got %d", len(sc.calls))
	}
}

func TestAgentStateDeduped(t *testing.T) {
	pub := &recordingPublisher{}
	sc := New(pub, zerolog.Nop(), time.Second)
	detail := &delta3.DetailRecord{
		CallID: "1",
		State:  2, // connected -> talking
		PartyA: delta3.Party{EquipType: delta3.EquipTypeSIPDevice, Extension: "2001"},
		PartyB: delta3.Party{EquipType: delta3.EquipTypeSIPTrunk, Extension: "9002"},
	}
	sc.HandleRecord(&delta3.Record{Kind: delta3.KindDetail, Detail: detail})
	first, _ := sc.Agent("2001")
	firstStart := first.StateStart

	// Re-deliver an identical Detail (same state, same call) — must not
	// produce a second state transition.
	sc.HandleRecord(&delta3.Record{Kind: delta3.KindDetail, Detail: detail})
	second, _ := sc.Agent("2001")
	if !second.StateStart.Equal(firstStart) {
		t.Error("repeated identical state should not start a new segment")
	}
}
