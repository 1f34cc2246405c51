// Package elevate realizes a child descriptor as a running process, either
// by spawning it directly or by delegating to an elevation helper that can
// ask the user for consent. The helper UI itself is out of scope: this
// package only adapts its outcome into cancelled / process / error.
package elevate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/pcekm/diskburn/internal/launcher"
)

// ErrNoElevator is returned when no privilege-escalation tool is installed.
var ErrNoElevator = errors.New("elevate: no elevation helper found")

// Result is the outcome of realizing a descriptor. Exactly one of the two
// fields is meaningful: Cancelled when the user declined the consent
// prompt (not a fault), Process otherwise.
type Result struct {
	Cancelled bool
	Process   *os.Process
}

// Elevator spawns argv with elevated privileges. appName labels any consent
// prompt the platform shows.
//
// Implementations may block until the outcome is known; callers run them
// concurrently with the readiness handshake.
type Elevator interface {
	Elevate(ctx context.Context, argv []string, appName string, env []string) (Result, error)
}

// Spawn realizes the descriptor. Without the elevation flag the child is
// started directly; with it, the elevator decides.
func Spawn(ctx context.Context, desc launcher.Descriptor, appName string, el Elevator) (Result, error) {
	if !desc.Elevated {
		return direct(ctx, desc)
	}
	if el == nil {
		return Result{}, ErrNoElevator
	}
	return el.Elevate(ctx, desc.Argv, appName, desc.Environ())
}

func direct(ctx context.Context, desc launcher.Descriptor) (Result, error) {
	if len(desc.Argv) == 0 {
		return Result{}, errors.New("elevate: empty argv")
	}
	cmd := exec.CommandContext(ctx, desc.Argv[0], desc.Argv[1:]...)
	cmd.Env = desc.Environ()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("elevate: launch %s: %w", desc.Argv[0], err)
	}
	// The coordinator doesn't wait on the handle; reap the child in the
	// background so it doesn't linger as a zombie.
	go cmd.Wait()
	return Result{Process: cmd.Process}, nil
}
