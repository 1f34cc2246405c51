/*
Package coordinator owns the lifecycle of one privileged writer session: it
opens the message channel, launches the writer child (optionally elevated),
waits for the child to announce readiness, and hands the caller an emit
capability and a termination handle.

# States

	Idle -> Starting -> SpawningChild -> AwaitingReady -> Ready -> Terminated

Errored is absorbing and reachable from every non-terminal state. The only
success exit is the ready event: its handler captures the connection it
arrived on, binds the session to it, and resolves the run. Exactly one
resolution is permitted per session; late spawn results, duplicate events
and post-resolution errors are dropped with a log line, because the
transport underneath makes no such guarantee.

A session is not reused: one coordinator, one child, one resolution.
*/
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/pcekm/diskburn/internal/elevate"
	"github.com/pcekm/diskburn/internal/ident"
	"github.com/pcekm/diskburn/internal/ipc"
	"github.com/pcekm/diskburn/internal/launcher"
)

// ErrElevationDeclined reports that the user dismissed the consent prompt.
// A decline is user-level cancellation, not a fault; callers distinguish it
// from real errors with errors.Is.
var ErrElevationDeclined = errors.New("coordinator: elevation declined")

// State is the coordinator's position in the session lifecycle.
type State int

// States, in the order a successful session passes through them.
const (
	StateIdle State = iota
	StateStarting
	StateSpawningChild
	StateAwaitingReady
	StateReady
	StateTerminated
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateSpawningChild:
		return "spawning-child"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	case StateErrored:
		return "errored"
	default:
		return "(unknown)"
	}
}

// AppHandler receives one application event: its declared name and the
// opaque payload.
type AppHandler func(name string, payload json.RawMessage)

// Options configures a coordinator. Identity is required; everything else
// has a usable zero value.
type Options struct {
	// Identity names the session's channel endpoints.
	Identity ident.Identity

	// AppName labels elevation consent prompts.
	AppName string

	// InstallRoot resolves the helper binary for the default launch
	// strategy.
	InstallRoot string

	// Elevate requests that the child run with elevated privileges.
	Elevate bool

	// Elevator performs the elevation. Required when Elevate is set.
	Elevator elevate.Elevator

	// Events declares the application event names forwarded to OnEvent.
	Events []string

	// OnEvent receives application events in any state once the server
	// listens. It runs on the dispatch goroutine; keep it short.
	OnEvent AppHandler

	// Platform overrides the platform snapshot. For tests; the zero value
	// means snapshot the real process at spawn time.
	Platform launcher.Platform

	Logger  zerolog.Logger
	Metrics MetricsCollector
}

// Session is a ready session: an emit capability bound to the connection
// captured at readiness, and a termination handle.
type Session struct {
	emit      func(name string, payload any) error
	terminate func()
}

// Emit sends an event to the session's client.
func (s *Session) Emit(name string, payload any) error {
	return s.emit(name, payload)
}

// Terminate force-closes all channel connections and stops the listener.
// Idempotent.
func (s *Session) Terminate() {
	s.terminate()
}

type outcome struct {
	sess *Session
	err  error
}

// Coordinator drives one session. Create with New, run with Run.
type Coordinator struct {
	opts    Options
	server  *ipc.Server
	log     zerolog.Logger
	metrics MetricsCollector

	mu    sync.Mutex
	state State

	resolveOnce sync.Once
	resolved    atomic.Bool
	result      chan outcome

	startSeen atomic.Bool
	readySeen atomic.Bool

	doneOnce sync.Once
	done     chan struct{}
	termErr  error // guarded by mu; set before done closes

	// spawnFn is elevate.Spawn, replaceable in tests.
	spawnFn func(context.Context, launcher.Descriptor, string, elevate.Elevator) (elevate.Result, error)
}

// New creates a coordinator for one session.
func New(opts Options) *Coordinator {
	if opts.Metrics == nil {
		opts.Metrics = NewNoopMetrics()
	}
	return &Coordinator{
		opts:    opts,
		server:  ipc.NewServer(opts.Identity, opts.Logger),
		log:     opts.Logger,
		metrics: opts.Metrics,
		state:   StateIdle,
		result:  make(chan outcome, 1),
		done:    make(chan struct{}),
		spawnFn: elevate.Spawn,
	}
}

// Done is closed when the session's channel is torn down: an error event,
// Terminate, or the caller's termination handle. A child crashing without
// reporting is not detected; only explicit error events and termination
// close this.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended an already-ready session, if any.
// Meaningful after Done is closed.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.termErr
}

func (c *Coordinator) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.termErr = err
		c.mu.Unlock()
		close(c.done)
	})
}

// State reports the current lifecycle state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Terminate tears down the channel. The decline and gate-failure paths
// reject the session without tearing the listener down; callers that are
// done with the coordinator call this to release the socket.
func (c *Coordinator) Terminate() {
	c.server.Terminate()
	c.setState(StateTerminated)
	c.finish(nil)
}

// Run starts the session and blocks until it resolves: a ready child (the
// returned Session), an elevation decline (ErrElevationDeclined), a child
// error report, or ctx ending. All handlers are registered before the
// server listens so no early event can arrive unhandled.
func (c *Coordinator) Run(ctx context.Context) (*Session, error) {
	c.server.On(ipc.EventStart, func(ev ipc.Event) { c.onStart(ctx) })
	c.server.On(ipc.EventReady, c.onReady)
	c.server.On(ipc.EventError, c.onError)
	for _, name := range c.opts.Events {
		name := name
		c.server.On(ipc.EventType(name), func(ev ipc.Event) {
			c.metrics.EventDispatched(name)
			if c.opts.OnEvent != nil {
				c.opts.OnEvent(name, ev.Payload)
			}
		})
	}

	c.setState(StateStarting)
	if err := c.server.Serve(); err != nil {
		c.setState(StateErrored)
		return nil, err
	}

	select {
	case out := <-c.result:
		return out.sess, out.err
	case <-ctx.Done():
		c.server.Terminate()
		c.setState(StateTerminated)
		c.finish(nil)
		return nil, ctx.Err()
	}
}

func (c *Coordinator) onStart(ctx context.Context) {
	if !c.startSeen.CompareAndSwap(false, true) {
		c.log.Warn().Msg("duplicate start event ignored")
		return
	}
	c.setState(StateSpawningChild)
	go c.spawnChild(ctx)
}

// spawnChild computes the descriptor and realizes it. Long-running: the
// elevator may block until the user answers the prompt, so this always runs
// off the dispatch goroutine.
func (c *Coordinator) spawnChild(ctx context.Context) {
	p := c.opts.Platform
	if p.Environ == nil {
		p = launcher.Snapshot(runtime.GOOS, os.Environ(), c.opts.InstallRoot)
	}
	desc, err := launcher.Describe(p, c.opts.Identity, c.opts.Elevate)
	if err != nil {
		c.fail(err)
		return
	}

	res, err := c.spawnFn(ctx, desc, c.opts.AppName, c.opts.Elevator)
	switch {
	case err != nil:
		c.fail(err)
	case res.Cancelled:
		c.fail(ErrElevationDeclined)
	default:
		// Spawned. Whether the process that now connects is the one we
		// spawned is not validated; the channel handshake is trusted.
		c.transition(StateSpawningChild, StateAwaitingReady)
	}
}

func (c *Coordinator) onReady(ev ipc.Event) {
	if !c.readySeen.CompareAndSwap(false, true) {
		c.log.Warn().Msg("duplicate ready event ignored")
		return
	}
	conn := ev.Conn
	sess := &Session{
		emit: func(name string, payload any) error {
			return c.server.Emit(conn, ipc.EventType(name), payload)
		},
		terminate: func() {
			c.server.Terminate()
			c.setState(StateTerminated)
			c.finish(nil)
		},
	}
	if c.resolve(outcome{sess: sess}) {
		c.setState(StateReady)
		c.metrics.SessionResolved("ready")
		c.log.Info().Msg("writer child ready")
	}
}

func (c *Coordinator) onError(ev ipc.Event) {
	err := ipc.DecodeError(ev.Payload)
	// The error path cleans up unconditionally; no partial recovery.
	c.server.Terminate()
	c.setState(StateErrored)
	if c.resolve(outcome{err: err}) {
		c.metrics.SessionResolved("errored")
	}
	c.log.Error().Err(err).Msg("writer child reported error")
	c.finish(err)
}

// fail rejects the session. Unlike the error event it does not tear down
// the listener; declines and gate failures leave that to the caller.
func (c *Coordinator) fail(err error) {
	if !c.resolve(outcome{err: err}) {
		c.log.Debug().Err(err).Msg("late failure after resolution, ignored")
		return
	}
	c.setState(StateErrored)
	if errors.Is(err, ErrElevationDeclined) {
		c.metrics.SessionResolved("declined")
		c.log.Info().Msg("user declined elevation")
	} else {
		c.metrics.SessionResolved("errored")
		c.log.Error().Err(err).Msg("session failed")
	}
}

// resolve delivers the session outcome exactly once. Reports whether this
// call was the one that resolved.
func (c *Coordinator) resolve(out outcome) bool {
	fired := false
	c.resolveOnce.Do(func() {
		fired = true
		c.resolved.Store(true)
		c.result <- out
	})
	return fired
}

func (c *Coordinator) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.metrics.StateTransition(from, to)
	c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state transition")
}

// transition moves from -> to only if the coordinator is still in from.
// Late spawn results must not regress the state once ready arrived.
func (c *Coordinator) transition(from, to State) {
	c.mu.Lock()
	if c.state != from {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	c.metrics.StateTransition(from, to)
	c.log.Debug().Stringer("from", from).Stringer("to", to).Msg("state transition")
}
