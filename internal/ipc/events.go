/*
Package ipc hosts the local message channel between the coordinator and the
privileged writer child.

This works as a client/server, where the unprivileged parent runs the server
and the privileged child connects back as a client. The two are connected by
a unix-domain socket whose path comes from the session's [ident.Identity];
message framing is WebSocket so that partial writes and message boundaries
are somebody else's problem.

# Protocol

Every message is a JSON envelope:

	{"type": <event name>, "payload": <opaque JSON>}

The server always recognizes four built-in events:

	start  client -> server  begin spawning the child, no payload
	ready  client -> server  child has attached; the connection is the context
	log    client -> server  payload is one line of text, forwarded to stdout
	error  client -> server  payload is a serializable error description

Any other event name is an application event: delivered verbatim to whatever
handler was registered for it, or dropped with a warning if there is none.
*/
package ipc

import "encoding/json"

// EventType names an event. The four built-ins are below; anything else is
// an application event.
type EventType string

// Built-in events.
const (
	EventStart EventType = "start"
	EventReady EventType = "ready"
	EventLog   EventType = "log"
	EventError EventType = "error"
)

// Envelope is the wire form of an event.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is a received event together with the connection it arrived on.
type Event struct {
	Type    EventType
	Payload json.RawMessage

	// Conn is the connection the event arrived on. For ready this is the
	// whole point: the coordinator captures it as the session's client.
	Conn *Conn
}

// Handler consumes one event. Handlers are dispatched one at a time per
// server; they must not block on long-running work.
type Handler func(Event)
