// Package media implements the per-type job handlers for media-asset work:
// ingest, variant rendering, edits, AI tagging, duplicate scanning, and
// usage reconciliation. Every handler is idempotent by construction: outputs
// land at locations derived only from the job, so a re-execution after a
// crash overwrites instead of duplicating.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/Prekzursil/momentstudio-sub002/internal/assets"
	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

const (
	defaultMaxBytes     = 25 * 1024 * 1024
	defaultPreviewWidth = 320
	defaultVariantWidth = 320
)

// ProgressFn reports coarse progress for long handlers. Implementations
// must tolerate the job having lost its lease in the meantime.
type ProgressFn func(ctx context.Context, jobID string, pct int)

// Handlers bundles the collaborators the job handlers need. Methods satisfy
// the worker's handler signature directly.
type Handlers struct {
	log      *zap.Logger
	assets   assets.Store
	tagger   Tagger
	scanner  UsageScanner
	dup      *DuplicateIndex
	progress ProgressFn
	download *http.Client

	maxBytes     int64
	previewWidth int
}

// Option configures Handlers.
type Option func(*Handlers)

// WithTagger sets the vision tagging collaborator.
func WithTagger(t Tagger) Option {
	return func(h *Handlers) {
		if t != nil {
			h.tagger = t
		}
	}
}

// WithUsageScanner sets the usage-reference collaborator.
func WithUsageScanner(s UsageScanner) Option {
	return func(h *Handlers) {
		if s != nil {
			h.scanner = s
		}
	}
}

// WithDuplicateIndex enables duplicate scanning against a shared index.
func WithDuplicateIndex(ix *DuplicateIndex) Option {
	return func(h *Handlers) { h.dup = ix }
}

// WithProgress wires progress reporting back to the job row.
func WithProgress(fn ProgressFn) Option {
	return func(h *Handlers) {
		if fn != nil {
			h.progress = fn
		}
	}
}

// WithDownloadClient sets the client used to fetch ingest sources.
func WithDownloadClient(c *http.Client) Option {
	return func(h *Handlers) {
		if c != nil {
			h.download = c
		}
	}
}

// WithMaxBytes caps the size of a downloaded source.
func WithMaxBytes(n int64) Option {
	return func(h *Handlers) {
		if n > 0 {
			h.maxBytes = n
		}
	}
}

// WithPreviewWidth sets the ingest preview width in pixels.
func WithPreviewWidth(w int) Option {
	return func(h *Handlers) {
		if w > 0 {
			h.previewWidth = w
		}
	}
}

// New builds the handler set over an asset store. Collaborators default to
// the built-in development stand-ins; duplicate scanning stays disabled
// until an index is provided.
func New(log *zap.Logger, store assets.Store, opts ...Option) *Handlers {
	h := &Handlers{
		log:          log.Named("media"),
		assets:       store,
		tagger:       BuiltinTagger{},
		scanner:      NoUsages{},
		progress:     func(context.Context, string, int) {},
		download:     &http.Client{Timeout: 30 * time.Second},
		maxBytes:     defaultMaxBytes,
		previewWidth: defaultPreviewWidth,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// decodePayload round-trips the stored payload into a typed struct, exactly
// as the producer wrote it.
func decodePayload(job models.Job, out any) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

func requireAsset(job models.Job) (string, error) {
	if job.AssetID == nil || *job.AssetID == "" {
		return "", errors.New("job has no asset_id")
	}
	return *job.AssetID, nil
}

// formatForName picks the encode format from a rendition name's extension,
// defaulting to JPEG.
func formatForName(name string) imaging.Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return imaging.PNG
	case ".gif":
		return imaging.GIF
	case ".tiff":
		return imaging.TIFF
	default:
		return imaging.JPEG
	}
}

func mimeForFormat(format imaging.Format) string {
	switch format {
	case imaging.PNG:
		return "image/png"
	case imaging.GIF:
		return "image/gif"
	case imaging.TIFF:
		return "image/tiff"
	default:
		return "image/jpeg"
	}
}

func encodeImage(img image.Image, format imaging.Format) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(85)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}
