package broker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errPublish = errors.New("mqtt publish failed")

type fakeMQTT struct {
	published map[string][]byte
	fail      bool
}

func newFakeMQTT() *fakeMQTT {
	return &fakeMQTT{published: make(map[string][]byte)}
}

func (f *fakeMQTT) Publish(channel string, payload []byte) error {
	if f.fail {
		return errPublish
	}
	f.published[channel] = payload
	return nil
}

func (f *fakeMQTT) IsConnected() bool { return !f.fail }

func TestBrokerPublishSubscribe(t *testing.T) {
	t.Run("subscriber_receives_published_value", func(t *testing.T) {
		b := New(nil, zerolog.Nop())
		ch, cancel := b.Subscribe(ChannelCalls)
		defer cancel()

		b.Publish(ChannelCalls, map[string]string{"call_id": "1"})

		select {
		case v := <-ch:
			msg, ok := v.(map[string]string)
			if !ok || msg["call_id"] != "1" {
				t.Errorf("unexpected message: %+v", v)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	})

	t.Run("subscriber_on_other_channel_does_not_receive", func(t *testing.T) {
		b := New(nil, zerolog.Nop())
		ch, cancel := b.Subscribe(ChannelAgents)
		defer cancel()

		b.Publish(ChannelCalls, "x")

		select {
		case v := <-ch:
			t.Fatalf("unexpected message on agents channel: %+v", v)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("cancel_unsubscribes", func(t *testing.T) {
		b := New(nil, zerolog.Nop())
		ch, cancel := b.Subscribe(ChannelCalls)
		cancel()

		b.Publish(ChannelCalls, "x")

		select {
		case v, ok := <-ch:
			if ok {
				t.Fatalf("expected no message after cancel, got %+v", v)
			}
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("slow_subscriber_drops_rather_than_blocks", func(t *testing.T) {
		b := New(nil, zerolog.Nop())
		_, cancel := b.Subscribe(ChannelCalls) // never drained
		defer cancel()

		done := make(chan struct{})
		go func() {
			for i := 0; i < 200; i++ {
				b.Publish(ChannelCalls, i)
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Publish blocked on a slow subscriber")
		}
	})
}

func TestBrokerMirrorsToMQTT(t *testing.T) {
	mqtt := newFakeMQTT()
	b := New(mqtt, zerolog.Nop())

	b.Publish(ChannelSMDR, map[string]int{"duration": 42})

	raw, ok := mqtt.published[ChannelSMDR]
	if !ok {
		t.Fatal("expected a message mirrored to mqtt")
	}
	var decoded map[string]int
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("mirrored payload is not valid JSON: %v", err)
	}
	if decoded["duration"] != 42 {
		t.Errorf("decoded = %+v, want duration=42", decoded)
	}
}

func TestBrokerMQTTFailureDoesNotBlockOrPanic(t *testing.T) {
	mqtt := newFakeMQTT()
	mqtt.fail = true
	b := New(mqtt, zerolog.Nop())

	b.Publish(ChannelCalls, "x") // must not panic or block despite the mqtt failure
}
