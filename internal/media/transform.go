package media

import (
	"context"
	"errors"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"github.com/Prekzursil/momentstudio-sub002/internal/models"
)

type variantPayload struct {
	Name      string `json:"name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Grayscale bool   `json:"grayscale"`
}

// Variant renders a named rendition of the original: resize plus optional
// grayscale. The rendition name doubles as the storage key, so repeated
// runs overwrite the same object.
func (h *Handlers) Variant(ctx context.Context, job models.Job) error {
	assetID, err := requireAsset(job)
	if err != nil {
		return err
	}
	var p variantPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.Width == 0 && p.Height == 0 {
		p.Width = defaultVariantWidth
	}
	if p.Name == "" {
		p.Name = fmt.Sprintf("variant_%dx%d.jpg", p.Width, p.Height)
	}

	data, err := h.assets.Load(ctx, assetID)
	if err != nil {
		return fmt.Errorf("load original: %w", err)
	}
	img, err := decodeImage(data)
	if err != nil {
		return err
	}

	img = imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)
	if p.Grayscale {
		img = imaging.Grayscale(img)
	}

	format := formatForName(p.Name)
	out, err := encodeImage(img, format)
	if err != nil {
		return err
	}
	if _, err := h.assets.SaveVariant(ctx, assetID, p.Name, out, mimeForFormat(format)); err != nil {
		return fmt.Errorf("save variant: %w", err)
	}
	return nil
}

type editPayload struct {
	Name   string    `json:"name"`
	Rotate int       `json:"rotate"` // clockwise degrees: 90, 180 or 270
	Crop   *cropRect `json:"crop"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
}

type cropRect struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Edit applies rotate, then crop, then resize to the original and stores the
// result as a named rendition. The original is never rewritten, so edits can
// be re-issued with different parameters at any time.
func (h *Handlers) Edit(ctx context.Context, job models.Job) error {
	assetID, err := requireAsset(job)
	if err != nil {
		return err
	}
	var p editPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	if p.Rotate == 0 && p.Crop == nil && p.Width == 0 && p.Height == 0 {
		return errors.New("edit specifies no operation")
	}
	if p.Name == "" {
		p.Name = "edited.jpg"
	}

	data, err := h.assets.Load(ctx, assetID)
	if err != nil {
		return fmt.Errorf("load original: %w", err)
	}
	img, err := decodeImage(data)
	if err != nil {
		return err
	}

	if p.Rotate != 0 {
		// The imaging rotations are counter-clockwise; the payload speaks
		// clockwise like every editing UI.
		switch p.Rotate {
		case 90:
			img = imaging.Rotate270(img)
		case 180:
			img = imaging.Rotate180(img)
		case 270:
			img = imaging.Rotate90(img)
		default:
			return fmt.Errorf("rotate must be 90, 180 or 270, got %d", p.Rotate)
		}
	}
	if p.Crop != nil {
		if p.Crop.Width <= 0 || p.Crop.Height <= 0 {
			return errors.New("crop needs positive width and height")
		}
		rect := image.Rect(p.Crop.X, p.Crop.Y, p.Crop.X+p.Crop.Width, p.Crop.Y+p.Crop.Height)
		img = imaging.Crop(img, rect)
		if img.Bounds().Empty() {
			return errors.New("crop is outside the image")
		}
	}
	if p.Width > 0 || p.Height > 0 {
		img = imaging.Resize(img, p.Width, p.Height, imaging.Lanczos)
	}

	format := formatForName(p.Name)
	out, err := encodeImage(img, format)
	if err != nil {
		return err
	}
	if _, err := h.assets.SaveVariant(ctx, assetID, p.Name, out, mimeForFormat(format)); err != nil {
		return fmt.Errorf("save edit: %w", err)
	}
	return nil
}
