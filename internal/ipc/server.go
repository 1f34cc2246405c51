package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pcekm/diskburn/internal/ident"
)

const writeTimeout = 10 * time.Second

// Conn is one attached client connection.
type Conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex // serializes all writes on the connection
}

// Close force-closes the connection without a closing handshake.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) writeEnvelope(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

// Server is the single-endpoint listener for one session. Register all
// handlers before calling Serve; the handler table is owned by the
// coordinator and must not change once the server is listening.
type Server struct {
	id     ident.Identity
	log    zerolog.Logger
	stdout io.Writer

	mu       sync.Mutex
	handlers map[EventType]Handler
	conns    map[*Conn]bool
	listener net.Listener
	serving  bool
	closed   bool

	// dispatchMu makes handler invocations run to completion relative to
	// each other, regardless of which connection an event arrived on.
	dispatchMu sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithStdout redirects where log events are forwarded. For tests.
func WithStdout(w io.Writer) Option {
	return func(s *Server) { s.stdout = w }
}

// NewServer creates a server for the given identity. It does not listen
// until Serve is called.
func NewServer(id ident.Identity, logger zerolog.Logger, opts ...Option) *Server {
	s := &Server{
		id:       id,
		log:      logger,
		stdout:   os.Stdout,
		handlers: make(map[EventType]Handler),
		conns:    make(map[*Conn]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	// log lines go straight to stdout, one write per line, never buffered.
	s.handlers[EventLog] = func(ev Event) {
		var line string
		if err := json.Unmarshal(ev.Payload, &line); err != nil {
			line = string(ev.Payload)
		}
		fmt.Fprintln(s.stdout, line)
	}
	return s
}

// On registers the handler for an event name. Last registration wins.
func (s *Server) On(t EventType, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

// Serve starts listening on the session socket and returns once the
// listener is up. Accepting and reading happen on background goroutines.
// It may be called once per server.
func (s *Server) Serve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if s.serving {
		return ErrAlreadyServing
	}

	path := s.id.SocketPath()
	// A stale socket from a crashed previous run would make Listen fail.
	os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	s.listener = l
	s.serving = true
	s.log.Debug().Str("socket", path).Msg("ipc server listening")

	srv := &http.Server{Handler: http.HandlerFunc(s.handleUpgrade)}
	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.log.Error().Err(err).Msg("ipc serve")
			}
		}
	}()
	return nil
}

// Emit sends a named event with payload to the given connection. It does
// not block past enqueuing the write on the connection.
func (s *Server) Emit(c *Conn, t EventType, payload any) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrServerClosed
	}

	env := Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ipc: encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	return c.writeEnvelope(env)
}

// Terminate force-closes every open connection and stops the listener.
// Graceful shutdown isn't enough: connections with pending reads would keep
// the listener alive. Safe to call from the error path, from caller code,
// and more than once.
func (s *Server) Terminate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*Conn]bool)
	l := s.listener
	s.listener = nil
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing ipc connection")
		}
	}
	if l != nil {
		if err := l.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing ipc listener")
		}
		os.Remove(s.id.SocketPath())
	}
	s.log.Debug().Msg("ipc server terminated")
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("ipc upgrade")
		return
	}

	c := &Conn{ws: ws}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c] = true
	s.mu.Unlock()
	s.log.Debug().Msg("ipc client attached")

	go s.readLoop(c)
}

func (s *Server) readLoop(c *Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close()
	}()
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("ipc read")
			}
			return
		}
		s.dispatch(Event{Type: env.Type, Payload: env.Payload, Conn: c})
	}
}

func (s *Server) dispatch(ev Event) {
	s.mu.Lock()
	h := s.handlers[ev.Type]
	s.mu.Unlock()
	if h == nil {
		s.log.Warn().Str("event", string(ev.Type)).Msg("no handler registered, dropping event")
		return
	}
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	h(ev)
}
