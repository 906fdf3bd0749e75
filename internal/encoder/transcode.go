package encoder

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"sync"
	"time"

	_ "image/gif"

	"golang.org/x/image/draw"

	"protomedia/internal/config"
	"protomedia/internal/faults"
	"protomedia/internal/media"
)

// transcode decodes the source exactly once and produces both renditions
// concurrently. The task fails as a whole only when the decode fails or
// both renditions fail; a single rendition failure is reported per side.
func transcode(task Task) Result {
	result := Result{ID: task.ID}

	src, _, err := image.Decode(bytes.NewReader(task.Source))
	if err != nil {
		result.Err = faults.Wrap(faults.ErrDecode, "encoder", "decode", "source image unreadable", err)
		return result
	}

	var (
		wg          sync.WaitGroup
		gallery     *media.Rendition
		document    *media.Rendition
		galleryErr  error
		documentErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		gallery, galleryErr = render(src, task.Gallery)
	}()
	go func() {
		defer wg.Done()
		document, documentErr = render(src, task.Document)
	}()
	wg.Wait()
	src = nil // decoded bitmap no longer referenced past this point

	if galleryErr != nil && documentErr != nil {
		result.Err = faults.Wrap(faults.ErrDecode, "encoder", "render",
			fmt.Sprintf("both renditions failed: gallery: %v; document: %v", galleryErr, documentErr), nil)
		return result
	}

	result.GalleryErr = galleryErr
	result.DocumentErr = documentErr
	result.Set = media.DerivativeSet{
		Gallery:      gallery,
		Document:     document,
		OriginalSize: int64(len(task.Source)),
		CapturedAt:   time.UnixMilli(task.CapturedAt),
		Latitude:     task.Latitude,
		Longitude:    task.Longitude,
	}
	return result
}

func render(src image.Image, params config.RenditionParams) (*media.Rendition, error) {
	bounds := src.Bounds()
	width, height := scaledDimensions(bounds.Dx(), bounds.Dy(), params.MaxWidth, params.MaxHeight)

	out := src
	if width != bounds.Dx() || height != bounds.Dy() {
		resized := image.NewRGBA(image.Rect(0, 0, width, height))
		draw.CatmullRom.Scale(resized, resized.Bounds(), src, bounds, draw.Over, nil)
		out = resized
	}

	data, mimeKind, err := encode(out, params)
	if err != nil {
		return nil, err
	}
	return &media.Rendition{
		Bytes:    data,
		Width:    width,
		Height:   height,
		MimeKind: mimeKind,
	}, nil
}

// scaledDimensions computes the output size for one target. The scale
// factor is min(maxWidth/w, maxHeight/h) clamped to 1.0 so images are
// never upscaled; fractional pixels are floored.
func scaledDimensions(width, height, maxWidth, maxHeight int) (int, int) {
	if width <= 0 || height <= 0 {
		return width, height
	}
	scale := 1.0
	if maxWidth > 0 {
		if s := float64(maxWidth) / float64(width); s < scale {
			scale = s
		}
	}
	if maxHeight > 0 {
		if s := float64(maxHeight) / float64(height); s < scale {
			scale = s
		}
	}
	if scale >= 1.0 {
		return width, height
	}
	outW := int(float64(width) * scale)
	outH := int(float64(height) * scale)
	if outW < 1 {
		outW = 1
	}
	if outH < 1 {
		outH = 1
	}
	return outW, outH
}

func encode(img image.Image, params config.RenditionParams) ([]byte, string, error) {
	var buf bytes.Buffer
	switch params.Format {
	case "jpeg":
		quality := int(params.Quality * 100)
		if quality < 1 {
			quality = 1
		}
		if quality > 100 {
			quality = 100
		}
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, "", faults.Wrap(faults.ErrDecode, "encoder", "encode", "jpeg encode failed", err)
		}
		return buf.Bytes(), "image/jpeg", nil
	case "png":
		if err := png.Encode(&buf, img); err != nil {
			return nil, "", faults.Wrap(faults.ErrDecode, "encoder", "encode", "png encode failed", err)
		}
		return buf.Bytes(), "image/png", nil
	default:
		return nil, "", faults.Wrap(faults.ErrValidation, "encoder", "encode",
			fmt.Sprintf("unsupported format %q", params.Format), nil)
	}
}
