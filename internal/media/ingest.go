package media

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	"golang.org/x/image/draw"

	"github.com/Prekzursil/momentstudio-sub002/internal/assets"
	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

type ingestPayload struct {
	SourceURL string `json:"source_url"`
}

// Ingest downloads the source media, normalizes it into the canonical JPEG
// original, and renders the catalog preview. Both renditions overwrite in
// place on re-execution.
func (h *Handlers) Ingest(ctx context.Context, job models.Job) error {
	assetID, err := requireAsset(job)
	if err != nil {
		return err
	}
	var p ingestPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.SourceURL == "" {
		return errors.New("source_url is required")
	}

	data, err := h.downloadSource(ctx, p.SourceURL)
	if err != nil {
		return err
	}
	h.progress(ctx, job.ID, 25)

	img, err := decodeImage(data)
	if err != nil {
		return fmt.Errorf("decode source: %w", err)
	}

	original, err := encodeImage(img, imaging.JPEG)
	if err != nil {
		return err
	}
	if _, err := h.assets.SaveVariant(ctx, assetID, assets.OriginalName, original, "image/jpeg"); err != nil {
		return fmt.Errorf("save original: %w", err)
	}
	h.progress(ctx, job.ID, 60)

	preview, err := encodeImage(scaleToWidth(img, h.previewWidth), imaging.JPEG)
	if err != nil {
		return err
	}
	if _, err := h.assets.SaveVariant(ctx, assetID, assets.PreviewName, preview, "image/jpeg"); err != nil {
		return fmt.Errorf("save preview: %w", err)
	}
	h.progress(ctx, job.ID, 90)

	h.log.Debug("asset ingested",
		zap.String("asset_id", assetID),
		zap.Int("source_bytes", len(data)),
	)
	return nil
}

func (h *Handlers) downloadSource(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.download.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("download source: status %d", resp.StatusCode)
	}

	limited := io.LimitReader(resp.Body, h.maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if int64(len(body)) > h.maxBytes {
		return nil, fmt.Errorf("source too large (>%d bytes)", h.maxBytes)
	}
	return body, nil
}

// scaleToWidth renders a proportional preview with CatmullRom; preview
// quality matters more than ingest latency here.
func scaleToWidth(src image.Image, width int) image.Image {
	bounds := src.Bounds()
	height := 0
	if bounds.Dx() > 0 {
		height = int(float64(bounds.Dy()) * float64(width) / float64(bounds.Dx()))
	}
	if height == 0 {
		height = width
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, bounds, draw.Over, nil)
	return dst
}
