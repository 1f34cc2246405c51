//go:build !windows

package elevate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// pkexec exit statuses, from pkexec(1).
const (
	pkexecDismissed  = 126
	pkexecAuthFailed = 127
)

// UnixElevator spawns commands through pkexec, or sudo when pkexec is not
// installed. The tool clears the environment for the elevated process, so
// the descriptor environment is re-applied with env(1).
type UnixElevator struct {
	// Tool overrides the detected elevation binary. For tests.
	Tool string
}

// NewDefault finds an installed elevation tool. Returns ErrNoElevator when
// neither pkexec nor sudo exists.
func NewDefault() (*UnixElevator, error) {
	for _, tool := range []string{"pkexec", "sudo"} {
		path, err := exec.LookPath(tool)
		if err == nil {
			return &UnixElevator{Tool: path}, nil
		}
	}
	return nil, ErrNoElevator
}

// Elevate runs argv under the elevation tool and blocks until the outcome
// is known. A user dismissing the consent prompt is reported as Cancelled;
// the tool failing to authenticate or being misconfigured is an error.
//
// Success is only known once the elevated command exits, so this blocks for
// the command's whole lifetime. The coordinator runs it concurrently with
// the readiness handshake and relies on that handshake, not this return,
// for the success path.
func (e *UnixElevator) Elevate(ctx context.Context, argv []string, appName string, env []string) (Result, error) {
	if e.Tool == "" {
		return Result{}, ErrNoElevator
	}
	if len(argv) == 0 {
		return Result{}, errors.New("elevate: empty argv")
	}

	args := make([]string, 0, len(env)+len(argv)+1)
	args = append(args, "env")
	args = append(args, env...)
	args = append(args, argv...)

	cmd := exec.CommandContext(ctx, e.Tool, args...)
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("elevate: start %s: %w", e.Tool, err)
	}

	err := cmd.Wait()
	if err == nil {
		return Result{Process: cmd.Process}, nil
	}

	var xerr *exec.ExitError
	if errors.As(err, &xerr) {
		switch xerr.ExitCode() {
		case pkexecDismissed:
			return Result{Cancelled: true}, nil
		case pkexecAuthFailed:
			return Result{}, fmt.Errorf("elevate: %s: authorization failed (%s)", appName, e.Tool)
		}
	}
	return Result{}, fmt.Errorf("elevate: %s: %w", e.Tool, err)
}
