package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"teamcache/internal/models"
)

// WarmFetcher caches one file by reading it end to end through the filespace
// mount: the remote filesystem pages every block it serves into its local
// cache, so a full sequential read is the fetch. Re-running it is harmless,
// which is exactly what lease-based reclaim requires.
type WarmFetcher struct {
	bufSize int
}

// NewWarmFetcher builds a fetcher with the given read buffer size.
func NewWarmFetcher(bufSize int) *WarmFetcher {
	if bufSize <= 0 {
		bufSize = 4 << 20
	}
	return &WarmFetcher{bufSize: bufSize}
}

// Process reads the item's file fully and reports the byte count.
func (f *WarmFetcher) Process(ctx context.Context, item models.JobItem) (Result, error) {
	info, err := os.Stat(item.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, models.Permanent(fmt.Errorf("file removed upstream: %w", err))
		}
		if errors.Is(err, os.ErrPermission) {
			return Result{}, models.Permanent(fmt.Errorf("permission denied: %w", err))
		}
		if systemicIOError(err) {
			return Result{}, models.Systemic(fmt.Errorf("mount unavailable: %w", err))
		}
		return Result{}, fmt.Errorf("stat %s: %w", item.FilePath, err)
	}
	if info.IsDir() {
		return Result{}, models.Permanent(fmt.Errorf("%s is a directory, not a file", item.FilePath))
	}
	if info.Size() == 0 {
		return Result{}, fmt.Errorf("%w: empty file", ErrSkip)
	}

	in, err := os.Open(item.FilePath)
	if err != nil {
		if systemicIOError(err) {
			return Result{}, models.Systemic(fmt.Errorf("mount unavailable: %w", err))
		}
		return Result{}, fmt.Errorf("open %s: %w", item.FilePath, err)
	}
	defer in.Close()

	n, err := io.CopyBuffer(io.Discard, &ctxReader{ctx: ctx, r: in}, make([]byte, f.bufSize))
	if err != nil {
		if systemicIOError(err) {
			return Result{BytesTransferred: n}, models.Systemic(fmt.Errorf("read %s: %w", item.FilePath, err))
		}
		return Result{BytesTransferred: n}, fmt.Errorf("read %s: %w", item.FilePath, err)
	}
	return Result{BytesTransferred: n}, nil
}

// systemicIOError reports whether err points at the mount itself being gone
// rather than a problem with one file. These errnos are what a dead FUSE or
// network mount surfaces on any access.
func systemicIOError(err error) bool {
	return errors.Is(err, syscall.EIO) ||
		errors.Is(err, syscall.ENOTCONN) ||
		errors.Is(err, syscall.ESTALE) ||
		errors.Is(err, syscall.ENXIO)
}

// ctxReader aborts a long read when the context is cancelled, so shutdown
// does not wait on a stalled remote mount.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
