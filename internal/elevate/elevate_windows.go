//go:build windows

package elevate

// NewDefault has no Windows implementation yet. Elevation there goes
// through UAC, which needs a ShellExecute runas verb rather than a wrapper
// command.
func NewDefault() (Elevator, error) {
	return nil, ErrNoElevator
}
