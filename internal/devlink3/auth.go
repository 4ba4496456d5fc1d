package devlink3

import (
	"context"
	"crypto/sha1" //nolint:gosec // mandated by the PBX's DevLink3 challenge-response scheme
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Auth response codes, per the PBX's AuthResponse payload.
const (
	authCodeSuccess   uint32 = 0x00000000
	authCodeChallenge uint32 = 0x00000002
	authCodeFail      uint32 = 0x80000041
)

// Event registration response codes.
const (
	eventRegCodeSuccess uint32 = 0x00000000
	eventRegCodePartial uint32 = 0x00000009
)

// Auth request subtypes.
const (
	authSubtypeUser     uint32 = 0x00000001
	authSubtypeResponse uint32 = 0x00000050
)

// Sender issues a framed DevLink3 request. Request ids are serialized as
// 8 ASCII hex digits interpreted as 4 bytes, per the wire contract.
type Sender func(packetType, requestID uint32, body []byte) error

// handshakePhase names each step of the three-phase handshake, kept as an
// explicit state value rather than buried in control flow; runAuth's loop
// switches on it.
type handshakePhase int

const (
	phaseSubmitUser handshakePhase = iota
	phaseAwaitChallenge
	phaseAwaitResult
	phaseDone
)

// ChallengeResponse computes the SHA1 digest the PBX expects in phase 3:
// SHA1(challenge || password trimmed, truncated/zero-padded to 16 bytes).
func ChallengeResponse(challenge []byte, password string) [20]byte {
	pw := strings.TrimSpace(password)
	padded := make([]byte, 16)
	copy(padded, pw) // copy truncates to len(padded) automatically
	h := sha1.New() //nolint:gosec
	h.Write(challenge)
	h.Write(padded)
	var sum [20]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Handshake drives the username + SHA1 challenge-response exchange and the
// following event-registration request over frames produced by send and
// delivered on recv. It never retries internally — callers (the connection
// state machine) decide what happens on failure.
type Handshake struct {
	Send              Sender
	Recv              <-chan Frame
	Username          string
	Password          string
	EventFlags        string
	HandshakeTimeout  time.Duration
	EventRegTimeout   time.Duration
}

// ErrAuthFailed is returned when the PBX rejects credentials or the
// handshake does not complete within HandshakeTimeout.
var ErrAuthFailed = fmt.Errorf("devlink3: authentication failed")

// ErrEventRegFailed is returned when event registration is rejected or
// times out.
var ErrEventRegFailed = fmt.Errorf("devlink3: event registration failed")

// Run executes phases 1-3 and, on success, the event-registration request.
// The overall auth handshake is bounded by HandshakeTimeout (inclusive of
// both round trips); event registration has its own EventRegTimeout.
func (h *Handshake) Run(ctx context.Context) error {
	if err := h.runAuth(ctx); err != nil {
		return err
	}
	return h.runEventRegistration(ctx)
}

func (h *Handshake) runAuth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.HandshakeTimeout)
	defer cancel()

	phase := phaseSubmitUser
	for phase != phaseDone {
		switch phase {
		case phaseSubmitUser:
			body := make([]byte, 0, 4+len(h.Username)+1)
			body = appendUint32(body, authSubtypeUser)
			body = append(body, []byte(h.Username)...)
			body = append(body, 0x00)
			if err := h.Send(PacketAuth, 1, body); err != nil {
				return fmt.Errorf("%w: send username: %v", ErrAuthFailed, err)
			}
			phase = phaseAwaitChallenge

		case phaseAwaitChallenge:
			f, err := h.waitFrame(ctx, PacketAuthResponse)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			code, rest, err := parseAuthResponse(f.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			switch code {
			case authCodeChallenge:
				challenge := rest
				digest := ChallengeResponse(challenge, h.Password)
				body := make([]byte, 0, 4+4+20)
				body = appendUint32(body, authSubtypeResponse)
				body = appendUint32(body, 20)
				body = append(body, digest[:]...)
				if err := h.Send(PacketAuth, 2, body); err != nil {
					return fmt.Errorf("%w: send response: %v", ErrAuthFailed, err)
				}
				phase = phaseAwaitResult
			case authCodeSuccess:
				// Some PBX configurations skip the challenge step entirely.
				phase = phaseDone
			case authCodeFail:
				return ErrAuthFailed
			default:
				return fmt.Errorf("%w: unexpected response code %#x", ErrAuthFailed, code)
			}

		case phaseAwaitResult:
			f, err := h.waitFrame(ctx, PacketAuthResponse)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			code, _, err := parseAuthResponse(f.Payload)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrAuthFailed, err)
			}
			if code != authCodeSuccess {
				return ErrAuthFailed
			}
			phase = phaseDone
		}
	}
	return nil
}

func (h *Handshake) runEventRegistration(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, h.EventRegTimeout)
	defer cancel()

	flags := h.EventFlags
	body := make([]byte, 0, 2+len(flags)+1)
	body = append(body, byte(len(flags)>>8), byte(len(flags)))
	body = append(body, []byte(flags)...)
	body = append(body, 0x00)

	if err := h.Send(PacketEventRequest, 3, body); err != nil {
		return fmt.Errorf("%w: send: %v", ErrEventRegFailed, err)
	}

	f, err := h.waitFrame(ctx, PacketEventRequestResponse)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEventRegFailed, err)
	}
	if len(f.Payload) < 8 {
		return fmt.Errorf("%w: short response payload", ErrEventRegFailed)
	}
	code := binary.BigEndian.Uint32(f.Payload[4:8])
	if code != eventRegCodeSuccess && code != eventRegCodePartial {
		return fmt.Errorf("%w: response code %#x", ErrEventRegFailed, code)
	}
	return nil
}

func (h *Handshake) waitFrame(ctx context.Context, wantType uint32) (Frame, error) {
	for {
		select {
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		case f, ok := <-h.Recv:
			if !ok {
				return Frame{}, fmt.Errorf("connection closed")
			}
			if f.Type != wantType {
				continue
			}
			return f, nil
		}
	}
}

// parseAuthResponse decodes [request_id:4][response_code:4][challenge_len:4][challenge_bytes].
func parseAuthResponse(payload []byte) (code uint32, challenge []byte, err error) {
	if len(payload) < 8 {
		return 0, nil, fmt.Errorf("short auth response payload")
	}
	code = binary.BigEndian.Uint32(payload[4:8])
	if len(payload) >= 12 {
		challengeLen := binary.BigEndian.Uint32(payload[8:12])
		end := 12 + int(challengeLen)
		if end <= len(payload) {
			challenge = payload[12:end]
		}
	}
	return code, challenge, nil
}

func appendUint32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}
