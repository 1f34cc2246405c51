// Package writer is the child side of a session: it connects back to the
// coordinator, announces readiness, and performs one image write on
// request, reporting progress over the channel.
package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/pcekm/diskburn/internal/ident"
	ipcclient "github.com/pcekm/diskburn/internal/ipc/client"
)

// Application event names exchanged with the coordinator's caller.
const (
	EventWrite    = "write"
	EventProgress = "progress"
	EventDone     = "done"
)

const defaultChunkSize = 1 << 20

// Request asks the child to copy an image onto a device.
type Request struct {
	Image  string `json:"image"`
	Device string `json:"device"`
}

// Progress reports how far a write has gotten.
type Progress struct {
	Percentage int   `json:"percentage"`
	Bytes      int64 `json:"bytes"`
	Total      int64 `json:"total"`
}

// Options configures the child loop.
type Options struct {
	// OpenTarget opens the write destination. Defaults to opening the
	// device node directly for writing.
	OpenTarget func(path string) (io.WriteCloser, error)

	// ChunkSize is the copy buffer size. Defaults to 1 MiB.
	ChunkSize int

	Logger zerolog.Logger
}

func openDevice(path string) (io.WriteCloser, error) {
	return os.OpenFile(path, os.O_WRONLY, 0)
}

// Run connects to the session socket, announces readiness, and serves one
// write request. It returns when the write finishes, the connection drops,
// or ctx ends. Faults are reported over the channel before returning.
func Run(ctx context.Context, id ident.Identity, opts Options) error {
	if opts.OpenTarget == nil {
		opts.OpenTarget = openDevice
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}

	cli, err := ipcclient.Dial(ctx, id, opts.Logger)
	if err != nil {
		return err
	}
	defer cli.Close()

	reqCh := make(chan Request, 1)
	cli.On(EventWrite, func(raw json.RawMessage) {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			opts.Logger.Error().Err(err).Msg("bad write request")
			return
		}
		select {
		case reqCh <- req:
		default:
			opts.Logger.Warn().Msg("duplicate write request ignored")
		}
	})

	if err := cli.Ready(); err != nil {
		return err
	}

	select {
	case req := <-reqCh:
		if err := flash(ctx, cli, req, opts); err != nil {
			cli.Error(err)
			return err
		}
		return cli.Emit(EventDone, nil)
	case <-cli.Done():
		return cli.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func flash(ctx context.Context, cli *ipcclient.Client, req Request, opts Options) error {
	img, err := os.Open(req.Image)
	if err != nil {
		return fmt.Errorf("writer: open image: %w", err)
	}
	defer img.Close()

	info, err := img.Stat()
	if err != nil {
		return fmt.Errorf("writer: stat image: %w", err)
	}
	total := info.Size()

	dst, err := opts.OpenTarget(req.Device)
	if err != nil {
		return fmt.Errorf("writer: open target %s: %w", req.Device, err)
	}
	defer dst.Close()

	cli.Log(fmt.Sprintf("writing %s to %s (%d bytes)", req.Image, req.Device, total))

	buf := make([]byte, opts.ChunkSize)
	var written int64
	lastPct := -1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := img.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("writer: write: %w", werr)
			}
			written += int64(n)
			if pct := percentage(written, total); pct != lastPct {
				lastPct = pct
				if err := cli.Emit(EventProgress, Progress{Percentage: pct, Bytes: written, Total: total}); err != nil {
					return err
				}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("writer: read image: %w", rerr)
		}
	}

	// Flush to the medium when the target supports it.
	if s, ok := dst.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("writer: sync: %w", err)
		}
	}
	cli.Log(fmt.Sprintf("finished writing %d bytes", written))
	return nil
}

func percentage(written, total int64) int {
	if total <= 0 {
		return 0
	}
	return int(written * 100 / total)
}
