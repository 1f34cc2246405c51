// Package ident derives the per-instance channel identity: the server and
// client endpoint names and the directory the IPC socket lives in.
//
// Identifiers incorporate the parent process ID so that concurrently running
// instances on the same host never collide. The socket root prefers the
// runtime directory over the OS temp directory because the runtime dir is
// per-user and guaranteed writable.
package ident

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Fixed environment variable names passed to the writer child. These are a
// compatibility surface; do not rename.
const (
	EnvServerID   = "IPC_SERVER_ID"
	EnvClientID   = "IPC_CLIENT_ID"
	EnvSocketRoot = "IPC_SOCKET_ROOT"
)

const idPrefix = "diskburn"

var (
	// ErrNoSocketRoot is returned when no usable socket directory exists.
	ErrNoSocketRoot = errors.New("ident: no usable socket root")

	// ErrIncomplete is returned by FromEnv when one of the identity
	// variables is missing from the environment.
	ErrIncomplete = errors.New("ident: incomplete identity in environment")
)

// Identity names the two endpoints of one coordinator session and the
// directory their socket lives in. Construct it once per session and thread
// it into every component that needs it.
type Identity struct {
	ServerID   string
	ClientID   string
	SocketRoot string
}

// New derives the identity for the calling process.
func New() (Identity, error) {
	return ForPID(os.Getpid(), os.Getenv("XDG_RUNTIME_DIR"))
}

// ForPID derives an identity for an arbitrary PID and runtime directory.
// Split out from New for tests.
func ForPID(pid int, runtimeDir string) (Identity, error) {
	root, err := socketRoot(runtimeDir)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		ServerID:   fmt.Sprintf("%s-server-%d", idPrefix, pid),
		ClientID:   fmt.Sprintf("%s-client-%d", idPrefix, pid),
		SocketRoot: root,
	}, nil
}

// FromEnv reconstructs the identity inside the writer child from the
// variables the launcher set.
func FromEnv() (Identity, error) {
	id := Identity{
		ServerID:   os.Getenv(EnvServerID),
		ClientID:   os.Getenv(EnvClientID),
		SocketRoot: os.Getenv(EnvSocketRoot),
	}
	if id.ServerID == "" || id.ClientID == "" || id.SocketRoot == "" {
		return Identity{}, ErrIncomplete
	}
	return id, nil
}

// SocketPath returns the path of the unix socket for this session.
func (id Identity) SocketPath() string {
	return filepath.Join(id.SocketRoot, id.ServerID+".sock")
}

func socketRoot(runtimeDir string) (string, error) {
	for _, dir := range []string{runtimeDir, os.TempDir()} {
		if dir == "" {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		return dir, nil
	}
	return "", ErrNoSocketRoot
}
