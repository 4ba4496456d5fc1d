package smdr

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Options configures the SMDR listener.
type Options struct {
	Host string
	Port int
	Log  zerolog.Logger
}

// Handler receives each successfully parsed Record.
type Handler func(*Record)

// Server is a plain TCP listener accepting one or more concurrent PBX
// connections, each delivering newline-terminated SMDR lines.
type Server struct {
	opts     Options
	handler  Handler
	listener net.Listener

	wg sync.WaitGroup
}

// NewServer builds a Server; call Start to begin accepting connections.
func NewServer(opts Options, handler Handler) *Server {
	return &Server{opts: opts, handler: handler}
}

// Start binds the listener and accepts connections until ctx is
// cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	port := s.opts.Port
	if port <= 0 {
		port = 1150
	}
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.wg.Add(1)
	go s.acceptLoop(ctx)
	return nil
}

// Addr returns the listener's bound address. Only valid after Start.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to drain.
func (s *Server) Stop() {
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ctx.Err() != nil {
				return
			}
			s.opts.Log.Warn().Err(err).Msg("smdr: accept failed")
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.opts.Log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("smdr: connection opened")

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)

	var pending strings.Builder
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}

		pending.WriteString(line)
		candidate := pending.String()

		rec := Parse(candidate, log)
		if rec == nil {
			// Either a genuine parse error, or a continuation record
			// still missing its trailing line; either way wait for the
			// next line and retry against the concatenation.
			continue
		}

		if rec.Continuation {
			// More fields for this record arrive on the next line,
			// concatenated directly with no separator.
			continue
		}

		pending.Reset()
		s.handler(rec)
	}

	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("smdr: connection read error")
	}
	log.Info().Msg("smdr: connection closed")
}
