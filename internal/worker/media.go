package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"teamcache/internal/models"
)

// Transcoder is the external subprocess collaborator that turns one media
// file into streamable form, reporting bytes produced.
type Transcoder interface {
	Transcode(ctx context.Context, srcPath string) (int64, error)
}

// MediaProcessor handles transcode-profile items. Still images are rendered
// to bounded previews in-process; everything else is handed to the external
// transcoder.
type MediaProcessor struct {
	cacheDir     string
	previewWidth int
	transcoder   Transcoder
}

// NewMediaProcessor builds the processor. transcoder may be nil when only
// image previews are configured.
func NewMediaProcessor(cacheDir string, previewWidth int, transcoder Transcoder) *MediaProcessor {
	if previewWidth <= 0 {
		previewWidth = 640
	}
	return &MediaProcessor{cacheDir: cacheDir, previewWidth: previewWidth, transcoder: transcoder}
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".tif": true, ".tiff": true,
}

// Process renders or transcodes one item.
func (m *MediaProcessor) Process(ctx context.Context, item models.JobItem) (Result, error) {
	ext := strings.ToLower(filepath.Ext(item.FilePath))
	if imageExtensions[ext] {
		return m.preview(ctx, item)
	}
	if m.transcoder == nil {
		return Result{}, models.Permanent(fmt.Errorf("unsupported media format %q and no transcoder configured", ext))
	}
	n, err := m.transcoder.Transcode(ctx, item.FilePath)
	if err != nil {
		return Result{BytesTransferred: n}, err
	}
	return Result{BytesTransferred: n}, nil
}

func (m *MediaProcessor) preview(ctx context.Context, item models.JobItem) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	src, err := imaging.Open(item.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{}, models.Permanent(fmt.Errorf("file removed upstream: %w", err))
		}
		if systemicIOError(err) {
			return Result{}, models.Systemic(fmt.Errorf("mount unavailable: %w", err))
		}
		return Result{}, models.Permanent(fmt.Errorf("decode %s: %w", item.FilePath, err))
	}

	// Height 0 keeps the aspect ratio.
	preview := imaging.Resize(src, m.previewWidth, 0, imaging.Lanczos)

	outPath := m.previewPath(item.FilePath)
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return Result{}, fmt.Errorf("create preview dir: %w", err)
	}
	if err := imaging.Save(preview, outPath, imaging.JPEGQuality(85)); err != nil {
		return Result{}, fmt.Errorf("save preview: %w", err)
	}

	info, err := os.Stat(outPath)
	if err != nil {
		return Result{}, fmt.Errorf("stat preview: %w", err)
	}
	return Result{BytesTransferred: info.Size()}, nil
}

// previewPath mirrors the source path under the cache dir with a .jpg
// extension.
func (m *MediaProcessor) previewPath(srcPath string) string {
	rel := strings.TrimPrefix(filepath.ToSlash(srcPath), "/")
	base := strings.TrimSuffix(rel, filepath.Ext(rel)) + "_preview.jpg"
	return filepath.Join(m.cacheDir, "previews", filepath.FromSlash(base))
}
