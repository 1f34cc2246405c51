// Package launcher computes the child descriptor: the argv and environment
// the writer child is started with. Everything here is a pure function of a
// platform snapshot, so the per-platform quirks are unit-testable without
// spawning anything.
package launcher

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/pcekm/diskburn/internal/ident"
)

// Environment variables consumed by the child runtime.
const (
	// envRunAsNode makes the child runtime behave as a plain process host
	// instead of launching its windowed shell.
	envRunAsNode = "ELECTRON_RUN_AS_NODE"

	// envThreadPool sizes the child runtime's I/O thread pool.
	envThreadPool = "UV_THREADPOOL_SIZE"

	// envSkipBinaryDownload suppresses a third-party installer prompt the
	// child's runtime can otherwise trigger on first run.
	envSkipBinaryDownload = "ELECTRON_SKIP_BINARY_DOWNLOAD"

	// AppImage packaging markers. APPIMAGE is the path of the original
	// image file; APPDIR is where the running instance is mounted.
	envAppImage = "APPIMAGE"
	envAppDir   = "APPDIR"
)

// HelperRelPath locates the writer child binary relative to the install
// root.
const HelperRelPath = "resources/writer"

// threadsPerCore scales the child's I/O pool with the machine.
const threadsPerCore = 4

// ErrNoInstallRoot is returned when the default strategy has no install
// root to resolve the helper against.
var ErrNoInstallRoot = errors.New("launcher: no install root")

// Platform is a snapshot of everything descriptor computation depends on.
// Build one with Snapshot, or by hand in tests.
type Platform struct {
	GOOS        string
	Environ     map[string]string
	InstallRoot string
	LogicalCPUs int
}

// Snapshot captures the running platform. environ is os.Environ() form.
func Snapshot(goos string, environ []string, installRoot string) Platform {
	return Platform{
		GOOS:        goos,
		Environ:     environMap(environ),
		InstallRoot: installRoot,
		LogicalCPUs: logicalCPUs(),
	}
}

// Descriptor is the immutable launch recipe for one session's child.
type Descriptor struct {
	Argv     []string
	Env      map[string]string
	Elevated bool
}

// Environ renders the environment in os/exec form, sorted for determinism.
func (d Descriptor) Environ() []string {
	out := make([]string, 0, len(d.Env))
	for k, v := range d.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Describe computes the child descriptor for the session. Pure: same
// platform and identity in, same descriptor out.
func Describe(p Platform, id ident.Identity, elevated bool) (Descriptor, error) {
	argv, err := argvFor(p)
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Argv:     argv,
		Env:      envFor(p, id),
		Elevated: elevated,
	}, nil
}

// argvFor picks the launch strategy. The default is the helper binary under
// the install root. Linux AppImages need the special case: the image mounts
// as a per-user filesystem view, so re-spawning from the current mount path
// as a different user fails. Re-invoking the original image lets the OS
// mount it afresh for the new user, and the inline expression resolves the
// helper against the mount root that re-invocation will set up.
func argvFor(p Platform) ([]string, error) {
	appImage, appDir := p.Environ[envAppImage], p.Environ[envAppDir]
	if p.GOOS == "linux" && appImage != "" && appDir != "" {
		entry := filepath.Join(appDir, HelperRelPath)
		rel := strings.TrimPrefix(entry, appDir)
		script := fmt.Sprintf("require(process.env.APPDIR + %q)", rel)
		return []string{appImage, "-e", script}, nil
	}

	if p.InstallRoot == "" {
		return nil, ErrNoInstallRoot
	}
	return []string{filepath.Join(p.InstallRoot, HelperRelPath)}, nil
}

// envFor builds the child environment. On Linux the parent environment is
// not inherited: graphical-session variables (DISPLAY, XAUTHORITY, ...)
// leak into the elevated context and break the launch. Everywhere else the
// parent environment is inherited and overlaid.
func envFor(p Platform, id ident.Identity) map[string]string {
	env := make(map[string]string)
	if p.GOOS != "linux" {
		for k, v := range p.Environ {
			env[k] = v
		}
	}

	cpus := p.LogicalCPUs
	if cpus < 1 {
		cpus = 1
	}

	env[ident.EnvServerID] = id.ServerID
	env[ident.EnvClientID] = id.ClientID
	env[ident.EnvSocketRoot] = id.SocketRoot
	env[envRunAsNode] = "1"
	env[envThreadPool] = strconv.Itoa(cpus * threadsPerCore)
	env[envSkipBinaryDownload] = "1"
	return env
}

func environMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}

// logicalCPUs counts logical CPUs, defaulting to 1 when the count is
// unavailable.
func logicalCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		return 1
	}
	return n
}
