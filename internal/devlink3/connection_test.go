package devlink3

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestBackoffSequence(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s would exceed the cap
		{10, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoff(tc.attempt); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

// runFakePBX drives the server side of a DevLink3 session over a raw
// net.Conn (one end of a net.Pipe), replying to the handshake and to Test
// keepalives. When dropSecondTestAck is set, it stops acking Test frames
// after the first one, simulating a frozen link.
func runFakePBX(t *testing.T, conn net.Conn, dropSecondTestAck bool) {
	t.Helper()
	go func() {
		decoder := NewDecoder()
		buf := make([]byte, 4096)
		testCount := 0
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			for _, f := range decoder.Feed(buf[:n]) {
				switch f.Type {
				case PacketAuth:
					// First Auth = username submission -> send challenge.
					// Second Auth = response -> send success.
					if len(f.Payload) >= 4 {
						subtype := uint32(f.Payload[0])<<24 | uint32(f.Payload[1])<<16 | uint32(f.Payload[2])<<8 | uint32(f.Payload[3])
						if subtype == authSubtypeUser {
							resp := make([]byte, 0, 12+16)
							resp = appendUint32(resp, f.RequestID)
							resp = appendUint32(resp, authCodeChallenge)
							resp = appendUint32(resp, 16)
							resp = append(resp, make([]byte, 16)...)
							wire, _ := Encode(PacketAuthResponse, f.RequestID, resp)
							conn.Write(wire)
						} else {
							resp := make([]byte, 0, 8)
							resp = appendUint32(resp, f.RequestID)
							resp = appendUint32(resp, authCodeSuccess)
							wire, _ := Encode(PacketAuthResponse, f.RequestID, resp)
							conn.Write(wire)
						}
					}
				case PacketEventRequest:
					resp := make([]byte, 0, 8)
					resp = appendUint32(resp, f.RequestID)
					resp = appendUint32(resp, eventRegCodeSuccess)
					wire, _ := Encode(PacketEventRequestResponse, f.RequestID, resp)
					conn.Write(wire)
				case PacketTest:
					testCount++
					if dropSecondTestAck && testCount >= 2 {
						continue // simulate a frozen TestAck
					}
					wire, _ := Encode(PacketTestAck, f.RequestID, make([]byte, 0))
					conn.Write(wire)
				}
			}
		}
	}()
}

func TestConnectionReachesSubscribed(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	runFakePBX(t, serverConn, false)

	var states []State
	conn := NewConnection(Options{
		Username:         "admin",
		Password:         "test",
		EventFlags:       "-CallDelta3",
		HandshakeTimeout: time.Second,
		EventRegTimeout:  time.Second,
		KeepaliveEvery:   time.Hour, // keep keepalive out of the way for this test
		AutoReconnect:    false,
		Dial: func(ctx context.Context) (net.Conn, error) {
			return clientConn, nil
		},
	})
	conn.OnStateChange = func(s State) { states = append(states, s) }

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	deadline := time.After(time.Second)
	for conn.State() != StateSubscribed {
		select {
		case <-deadline:
			t.Fatalf("never reached Subscribed, last states: %v", states)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestConnectionKeepaliveTimeoutReconnects(t *testing.T) {
	var dials int
	conn := NewConnection(Options{
		Username:         "admin",
		Password:         "test",
		EventFlags:       "-CallDelta3",
		HandshakeTimeout: time.Second,
		EventRegTimeout:  time.Second,
		KeepaliveEvery:   30 * time.Millisecond,
		AutoReconnect:    true,
		Dial: func(ctx context.Context) (net.Conn, error) {
			dials++
			clientConn, serverConn := net.Pipe()
			runFakePBX(t, serverConn, dials == 1) // first session drops the 2nd TestAck
			return clientConn, nil
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Run(ctx) }()

	// Wait until a reconnect happened (a second dial).
	deadline := time.After(1500 * time.Millisecond)
	for dials < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected a reconnect after keepalive miss, dials=%d", dials)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
}
