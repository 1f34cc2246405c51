// Package client is the child-side endpoint of the IPC channel. The writer
// child dials the session socket, announces readiness, and exchanges events
// with the coordinator's server.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pcekm/diskburn/internal/ident"
	"github.com/pcekm/diskburn/internal/ipc"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// Handler consumes the payload of one incoming event.
type Handler func(payload json.RawMessage)

// Client is a connected IPC client.
type Client struct {
	ws  *websocket.Conn
	log zerolog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	handlers map[ipc.EventType]Handler
	err      error

	done chan struct{}
}

// Dial connects to the session socket named by the identity. The returned
// client is already demultiplexing incoming events; register handlers with
// On before triggering anything that can produce them.
func Dial(ctx context.Context, id ident.Identity, logger zerolog.Logger) (*Client, error) {
	d := websocket.Dialer{
		HandshakeTimeout: dialTimeout,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var nd net.Dialer
			return nd.DialContext(ctx, "unix", id.SocketPath())
		},
	}
	// The URL host is never resolved; the NetDialContext above decides
	// where the connection actually goes.
	ws, _, err := d.DialContext(ctx, "ws://"+id.ServerID+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", id.SocketPath(), err)
	}
	c := &Client{
		ws:       ws,
		log:      logger,
		handlers: make(map[ipc.EventType]Handler),
		done:     make(chan struct{}),
	}
	go c.demux()
	return c, nil
}

// On registers the handler for an event name. Last registration wins.
func (c *Client) On(t ipc.EventType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = h
}

// Emit sends a named event to the server.
func (c *Client) Emit(t ipc.EventType, payload any) error {
	env := ipc.Envelope{Type: t}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("client: encode %s payload: %w", t, err)
		}
		env.Payload = raw
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(env)
}

// Ready announces that this client is the session's child endpoint.
func (c *Client) Ready() error {
	return c.Emit(ipc.EventReady, nil)
}

// Log forwards one line of text to the parent's stdout.
func (c *Client) Log(line string) error {
	return c.Emit(ipc.EventLog, line)
}

// Error reports a fault to the coordinator. The coordinator terminates the
// session in response, so this is normally the last message a child sends.
func (c *Client) Error(err error) error {
	return c.Emit(ipc.EventError, ipc.EncodeError(err))
}

// Done is closed when the connection ends for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any. Meaningful after
// Done is closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection. The demux goroutine exits on its own.
func (c *Client) Close() error {
	return c.ws.Close()
}

// Reads events from the server and routes each to its handler.
func (c *Client) demux() {
	defer close(c.done)
	for {
		var env ipc.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
		c.mu.Lock()
		h := c.handlers[env.Type]
		c.mu.Unlock()
		if h == nil {
			c.log.Warn().Str("event", string(env.Type)).Msg("no handler registered, dropping event")
			continue
		}
		h(env.Payload)
	}
}
