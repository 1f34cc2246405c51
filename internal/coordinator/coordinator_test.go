package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcekm/diskburn/internal/elevate"
	"github.com/pcekm/diskburn/internal/ident"
	"github.com/pcekm/diskburn/internal/ipc"
	ipcclient "github.com/pcekm/diskburn/internal/ipc/client"
	"github.com/pcekm/diskburn/internal/launcher"
)

const timeout = 5 * time.Second

var testPlatform = launcher.Platform{
	GOOS:        "linux",
	Environ:     map[string]string{},
	InstallRoot: "/opt/diskburn",
	LogicalCPUs: 2,
}

type appEvent struct {
	Name    string
	Payload string
}

type runResult struct {
	sess *Session
	err  error
}

type fixture struct {
	t      *testing.T
	id     ident.Identity
	coord  *Coordinator
	events chan appEvent
	resCh  chan runResult
}

type spawnFn = func(context.Context, launcher.Descriptor, string, elevate.Elevator) (elevate.Result, error)

// start builds a coordinator with the given spawn behavior and runs it.
func start(t *testing.T, platform launcher.Platform, spawn spawnFn) *fixture {
	t.Helper()
	id, err := ident.ForPID(1, t.TempDir())
	require.NoError(t, err)

	events := make(chan appEvent, 16)
	coord := New(Options{
		Identity: id,
		AppName:  "diskburn",
		Elevate:  true,
		Events:   []string{"progress"},
		OnEvent: func(name string, payload json.RawMessage) {
			events <- appEvent{name, string(payload)}
		},
		Platform: platform,
		Logger:   zerolog.Nop(),
	})
	if spawn != nil {
		coord.spawnFn = spawn
	}

	resCh := make(chan runResult, 1)
	go func() {
		sess, err := coord.Run(context.Background())
		resCh <- runResult{sess, err}
	}()
	t.Cleanup(coord.Terminate)

	return &fixture{t: t, id: id, coord: coord, events: events, resCh: resCh}
}

// dialRetry connects a client, retrying while the server comes up.
func dialRetry(t *testing.T, id ident.Identity) *ipcclient.Client {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		cli, err := ipcclient.Dial(context.Background(), id, zerolog.Nop())
		if err == nil {
			t.Cleanup(func() { cli.Close() })
			return cli
		}
		if time.Now().After(deadline) {
			t.Fatalf("Timed out dialing session socket: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *fixture) sendStart() {
	f.t.Helper()
	cli := dialRetry(f.t, f.id)
	require.NoError(f.t, cli.Emit(ipc.EventStart, nil))
}

func (f *fixture) result() runResult {
	f.t.Helper()
	select {
	case res := <-f.resCh:
		return res
	case <-time.After(timeout):
		f.t.Fatal("Timed out waiting for session resolution")
		return runResult{}
	}
}

// fakeChild is a spawn function whose "child" connects back and announces
// readiness, like the real writer would. The connected client is delivered
// on the returned channel.
func fakeChild(t *testing.T, id ident.Identity) (spawnFn, chan *ipcclient.Client) {
	ch := make(chan *ipcclient.Client, 1)
	fn := func(ctx context.Context, desc launcher.Descriptor, appName string, el elevate.Elevator) (elevate.Result, error) {
		go func() {
			cli := dialRetry(t, id)
			if err := cli.Ready(); err != nil {
				t.Errorf("Ready: %v", err)
				return
			}
			ch <- cli
		}()
		return elevate.Result{Process: &os.Process{Pid: 1234}}, nil
	}
	return fn, ch
}

func TestSessionSuccess(t *testing.T) {
	var f *fixture
	var childCh chan *ipcclient.Client
	spawn := func(ctx context.Context, desc launcher.Descriptor, appName string, el elevate.Elevator) (elevate.Result, error) {
		// Sanity-check the descriptor the gate would receive.
		assert.True(t, desc.Elevated)
		assert.Equal(t, f.id.ServerID, desc.Env[ident.EnvServerID])
		fn, ch := fakeChild(t, f.id)
		childCh = ch
		return fn(ctx, desc, appName, el)
	}
	f = start(t, testPlatform, spawn)
	f.sendStart()

	res := f.result()
	require.NoError(t, res.err)
	require.NotNil(t, res.sess)
	assert.Equal(t, StateReady, f.coord.State())

	var child *ipcclient.Client
	select {
	case child = <-childCh:
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for fake child")
	}

	// Application events reach the declared handler with {type, payload}.
	require.NoError(t, child.Emit("progress", map[string]int{"percentage": 42}))
	select {
	case ev := <-f.events:
		assert.Equal(t, appEvent{"progress", `{"percentage":42}`}, ev)
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for progress event")
	}

	// The emit handle reaches the child's connection.
	gotWrite := make(chan string, 1)
	child.On("write", func(raw json.RawMessage) { gotWrite <- string(raw) })
	require.NoError(t, res.sess.Emit("write", map[string]string{"image": "a.img"}))
	select {
	case got := <-gotWrite:
		assert.Equal(t, `{"image":"a.img"}`, got)
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for write event")
	}

	// Termination is idempotent and closes the listener.
	res.sess.Terminate()
	res.sess.Terminate()
	assert.Equal(t, StateTerminated, f.coord.State())
	_, err := ipcclient.Dial(context.Background(), f.id, zerolog.Nop())
	assert.Error(t, err, "listener still accepting after Terminate")
}

func TestElevationDeclined(t *testing.T) {
	spawn := func(context.Context, launcher.Descriptor, string, elevate.Elevator) (elevate.Result, error) {
		return elevate.Result{Cancelled: true}, nil
	}
	f := start(t, testPlatform, spawn)
	f.sendStart()

	res := f.result()
	require.Nil(t, res.sess)
	assert.ErrorIs(t, res.err, ErrElevationDeclined)
	assert.Equal(t, StateErrored, f.coord.State())
}

func TestGateFailure(t *testing.T) {
	boom := errors.New("pkexec not installed")
	spawn := func(context.Context, launcher.Descriptor, string, elevate.Elevator) (elevate.Result, error) {
		return elevate.Result{}, boom
	}
	f := start(t, testPlatform, spawn)
	f.sendStart()

	res := f.result()
	require.Nil(t, res.sess)
	assert.ErrorIs(t, res.err, boom)
}

func TestLaunchFailure(t *testing.T) {
	var spawned atomic.Bool
	spawn := func(context.Context, launcher.Descriptor, string, elevate.Elevator) (elevate.Result, error) {
		spawned.Store(true)
		return elevate.Result{}, nil
	}
	// No install root and no packaging markers: descriptor computation
	// fails before anything can spawn.
	p := launcher.Platform{GOOS: "linux", Environ: map[string]string{}, LogicalCPUs: 1}
	f := start(t, p, spawn)
	f.sendStart()

	res := f.result()
	assert.ErrorIs(t, res.err, launcher.ErrNoInstallRoot)
	assert.False(t, spawned.Load(), "spawn ran despite descriptor failure")
}

func TestErrorEventBeforeReady(t *testing.T) {
	spawn := func(ctx context.Context, desc launcher.Descriptor, appName string, el elevate.Elevator) (elevate.Result, error) {
		return elevate.Result{Process: &os.Process{Pid: 1234}}, nil
	}
	f := start(t, testPlatform, spawn)

	cli := dialRetry(t, f.id)
	require.NoError(t, cli.Emit(ipc.EventStart, nil))
	require.NoError(t, cli.Error(&ipc.ChannelError{Message: "cannot open device", Code: "EACCES"}))

	res := f.result()
	require.Nil(t, res.sess)
	var ce *ipc.ChannelError
	require.ErrorAs(t, res.err, &ce)
	assert.Equal(t, "EACCES", ce.Code)
	assert.Equal(t, StateErrored, f.coord.State())

	// The error path tears the whole channel down.
	_, err := ipcclient.Dial(context.Background(), f.id, zerolog.Nop())
	assert.Error(t, err, "listener still accepting after error event")
}

func TestDuplicateStartIgnored(t *testing.T) {
	var spawns atomic.Int32
	var f *fixture
	spawn := func(ctx context.Context, desc launcher.Descriptor, appName string, el elevate.Elevator) (elevate.Result, error) {
		spawns.Add(1)
		fn, _ := fakeChild(t, f.id)
		return fn(ctx, desc, appName, el)
	}
	f = start(t, testPlatform, spawn)

	cli := dialRetry(t, f.id)
	require.NoError(t, cli.Emit(ipc.EventStart, nil))
	require.NoError(t, cli.Emit(ipc.EventStart, nil))

	res := f.result()
	require.NoError(t, res.err)
	assert.Equal(t, int32(1), spawns.Load(), "duplicate start spawned twice")
}

func TestDuplicateReadyIgnored(t *testing.T) {
	spawn := func(ctx context.Context, desc launcher.Descriptor, appName string, el elevate.Elevator) (elevate.Result, error) {
		return elevate.Result{Process: &os.Process{Pid: 1234}}, nil
	}
	f := start(t, testPlatform, spawn)
	f.sendStart()

	child := dialRetry(t, f.id)
	require.NoError(t, child.Ready())
	require.NoError(t, child.Ready())

	res := f.result()
	require.NoError(t, res.err)
	require.NotNil(t, res.sess)
	assert.Equal(t, StateReady, f.coord.State())
}

func TestPostReadyErrorSignalsDone(t *testing.T) {
	var f *fixture
	var childCh chan *ipcclient.Client
	spawn := func(ctx context.Context, desc launcher.Descriptor, appName string, el elevate.Elevator) (elevate.Result, error) {
		fn, ch := fakeChild(t, f.id)
		childCh = ch
		return fn(ctx, desc, appName, el)
	}
	f = start(t, testPlatform, spawn)
	f.sendStart()

	res := f.result()
	require.NoError(t, res.err)

	var child *ipcclient.Client
	select {
	case child = <-childCh:
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for fake child")
	}
	require.NoError(t, child.Error(&ipc.ChannelError{Message: "write EIO", Code: "EIO"}))

	select {
	case <-f.coord.Done():
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for Done")
	}
	var ce *ipc.ChannelError
	require.ErrorAs(t, f.coord.Err(), &ce)
	assert.Equal(t, "EIO", ce.Code)
}

func TestRunContextCancel(t *testing.T) {
	id, err := ident.ForPID(1, t.TempDir())
	require.NoError(t, err)
	coord := New(Options{Identity: id, Platform: testPlatform, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	resCh := make(chan runResult, 1)
	go func() {
		sess, err := coord.Run(ctx)
		resCh <- runResult{sess, err}
	}()

	// Make sure the server is up before cancelling.
	dialRetry(t, id)
	cancel()

	select {
	case res := <-resCh:
		assert.ErrorIs(t, res.err, context.Canceled)
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for cancelled Run")
	}
	assert.Equal(t, StateTerminated, coord.State())
}

func TestStateString(t *testing.T) {
	states := []State{StateIdle, StateStarting, StateSpawningChild, StateAwaitingReady, StateReady, StateTerminated, StateErrored}
	seen := map[string]bool{}
	for _, s := range states {
		str := s.String()
		assert.NotEqual(t, "(unknown)", str)
		assert.False(t, seen[str], "duplicate state name %q", str)
		seen[str] = true
	}
	assert.Equal(t, "(unknown)", State(99).String())
}
