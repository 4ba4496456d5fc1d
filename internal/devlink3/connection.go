package devlink3

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is a DevLink3Connection lifecycle state, per the state machine:
// Closed -> Dialing -> Connected -> Authenticated -> Subscribed -> Closed,
// with error transitions back to Closed from any state.
type State int

const (
	StateClosed State = iota
	StateDialing
	StateConnected
	StateAuthenticated
	StateSubscribed
	StateWaitBackoff
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateDialing:
		return "dialing"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSubscribed:
		return "subscribed"
	case StateWaitBackoff:
		return "wait_backoff"
	default:
		return "unknown"
	}
}

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// backoff computes 1s*2^attempt capped at 30s.
func backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 5 { // 1s*2^5 = 32s already exceeds the cap
		return maxBackoff
	}
	d := minBackoff << uint(attempt)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Options configures a Connection.
type Options struct {
	Host             string
	Port             int
	UseTLS           bool
	TLSVerify        bool
	Username         string
	Password         string
	EventFlags       string
	HandshakeTimeout time.Duration
	EventRegTimeout  time.Duration
	KeepaliveEvery   time.Duration
	AutoReconnect    bool
	Log              zerolog.Logger

	// Dial overrides the network dialer; tests inject an in-memory pipe.
	Dial func(ctx context.Context) (net.Conn, error)
}

// Connection manages the DevLink3 TCP/TLS lifecycle: auth, keepalive,
// auto-reconnect with exponential backoff, and frame dispatch. Consumers
// read PacketEvent frames from Events(); the connection handles its own
// reconnection and must never be re-kicked by the caller in response to a
// disconnect.
type Connection struct {
	opts Options
	log  zerolog.Logger

	mu    sync.RWMutex
	state State

	events chan Frame
	nextID atomic.Uint32

	// lastSessionReachedSubscribed is set by runSession and consumed by
	// Run immediately after, to decide whether to reset the backoff
	// attempt counter. Touched only from Run's goroutine.
	lastSessionReachedSubscribed bool

	// OnStateChange, if set, is invoked (outside the connection's lock)
	// whenever the state transitions.
	OnStateChange func(State)
}

// NewConnection builds a Connection. Call Run to start the lifecycle loop.
func NewConnection(opts Options) *Connection {
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context) (net.Conn, error) {
			addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
			d := net.Dialer{}
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return nil, err
			}
			if opts.UseTLS {
				tlsConn := tls.Client(conn, &tls.Config{
					ServerName:         opts.Host,
					InsecureSkipVerify: !opts.TLSVerify, //nolint:gosec // operator-controlled via DEVLINK3_TLS_VERIFY
				})
				return tlsConn, nil
			}
			return conn, nil
		}
	}
	return &Connection{
		opts:   opts,
		log:    opts.Log,
		state:  StateClosed,
		events: make(chan Frame, 256),
	}
}

// Events returns the channel of received PacketEvent frames.
func (c *Connection) Events() <-chan Frame { return c.events }

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.OnStateChange != nil {
		c.OnStateChange(s)
	}
}

// Run drives the connection lifecycle until ctx is canceled. Each
// disconnect (I/O error or keepalive miss) schedules a reconnect
// internally with exponential backoff; the caller never needs to call
// Run again. Authentication and event-registration failures are not
// retried here — bad credentials won't become good on the next dial —
// Run returns the error so the supervisor can decide whether to retry.
func (c *Connection) Run(ctx context.Context) error {
	attempt := 0
	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}

		c.setState(StateDialing)
		conn, err := c.opts.Dial(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("devlink3 dial failed")
			if !c.opts.AutoReconnect {
				c.setState(StateClosed)
				return err
			}
			if !c.sleepBackoff(ctx, &attempt) {
				return ctx.Err()
			}
			continue
		}

		c.setState(StateConnected)
		err = c.runSession(ctx, conn)
		conn.Close()

		if err != nil {
			c.log.Warn().Err(err).Msg("devlink3 session ended")
		}
		c.setState(StateClosed)

		if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrEventRegFailed) {
			return err
		}
		if !c.opts.AutoReconnect {
			return err
		}
		// attempt is reset to 0 before the next backoff when the session
		// that just ended had reached Subscribed.
		if c.lastSessionReachedSubscribed {
			attempt = 0
			c.lastSessionReachedSubscribed = false
		}
		if !c.sleepBackoff(ctx, &attempt) {
			return ctx.Err()
		}
	}
}

func (c *Connection) sleepBackoff(ctx context.Context, attempt *int) bool {
	d := backoff(*attempt)
	*attempt++
	c.setState(StateWaitBackoff)
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// runSession performs one connect->auth->subscribe->keepalive cycle. It
// returns when the connection dies (I/O error or keepalive miss).
func (c *Connection) runSession(ctx context.Context, conn net.Conn) error {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	decoder := NewDecoder()
	decoder.OnBadMagic = func(n int) {
		c.log.Warn().Int("skipped_bytes", n).Msg("devlink3 framing resync")
	}

	raw := make(chan Frame, 64)
	readErrCh := make(chan error, 1)
	go c.readLoop(sessionCtx, conn, decoder, raw, readErrCh)

	send := func(packetType, requestID uint32, body []byte) error {
		wire, err := Encode(packetType, requestID, body)
		if err != nil {
			return err
		}
		c.log.Debug().
			Str("packet_type", fmt.Sprintf("%#x", packetType)).
			Str("request_id", string(serializeRequestID(requestID)[:])).
			Msg("devlink3 sending frame")
		_, err = conn.Write(wire)
		return err
	}

	// Auth + event registration consume frames off `raw` directly.
	hs := &Handshake{
		Send:             send,
		Recv:             raw,
		Username:         c.opts.Username,
		Password:         c.opts.Password,
		EventFlags:       c.opts.EventFlags,
		HandshakeTimeout: c.opts.HandshakeTimeout,
		EventRegTimeout:  c.opts.EventRegTimeout,
	}
	if err := hs.runAuth(sessionCtx); err != nil {
		return err
	}
	c.setState(StateAuthenticated)

	if err := hs.runEventRegistration(sessionCtx); err != nil {
		return err
	}
	c.setState(StateSubscribed)
	c.lastSessionReachedSubscribed = true

	keepaliveInterval := c.opts.KeepaliveEvery
	if keepaliveInterval <= 0 {
		keepaliveInterval = 30 * time.Second
	}
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	var pendingTestAck bool
	reqID := c.nextID.Add(1)

	for {
		select {
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		case err := <-readErrCh:
			return err
		case <-ticker.C:
			if pendingTestAck {
				return fmt.Errorf("devlink3: keepalive missed, link considered dead")
			}
			if err := send(PacketTest, reqID, make([]byte, 4)); err != nil {
				return fmt.Errorf("devlink3: keepalive send: %w", err)
			}
			pendingTestAck = true
		case f := <-raw:
			switch f.Type {
			case PacketTestAck:
				pendingTestAck = false
			case PacketEvent:
				select {
				case c.events <- f:
				default:
					c.log.Warn().Msg("devlink3 event channel full, dropping event")
				}
			}
		}
	}
}

func (c *Connection) readLoop(ctx context.Context, conn net.Conn, decoder *Decoder, out chan<- Frame, errCh chan<- error) {
	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := conn.Read(buf)
		if err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		for _, f := range decoder.Feed(buf[:n]) {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}
}

// serializeRequestID renders a request id as 8 ASCII hex digits
// interpreted as 4 bytes, per the wire contract's outbound packet format.
func serializeRequestID(id uint32) [8]byte {
	const hexDigits = "0123456789abcdef"
	var out [8]byte
	var raw [4]byte
	binary.BigEndian.PutUint32(raw[:], id)
	for i, b := range raw {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0F]
	}
	return out
}
