package assembler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	"golang.org/x/image/webp"

	"mangascraper/downloader"
)

// page is one normalized page ready to be merged.
type page struct {
	Number int
	JPEG   []byte
	Width  int
	Height int
}

// normalizePage converts image bytes to JPEG.
// Valid JPEG input is kept as is; other formats are decoded, flattened onto a white
// background and re-encoded at the given quality.
func normalizePage(data []byte, quality int) ([]byte, image.Config, error) {
	if len(data) == 0 {
		return nil, image.Config{}, errors.New("empty image data")
	}

	format, _, err := downloader.DetectImageFormat(data)
	if err != nil {
		return nil, image.Config{}, err
	}

	if format == "jpeg" {
		// The whole scan is decoded so a truncated body fails here and not in a reader.
		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, image.Config{}, fmt.Errorf("failed to decode jpeg image: %w", err)
		}
		bounds := img.Bounds()
		return data, image.Config{
			ColorModel: img.ColorModel(),
			Width:      bounds.Dx(),
			Height:     bounds.Dy(),
		}, nil
	}

	var img image.Image
	reader := bytes.NewReader(data)

	switch format {
	case "png":
		img, err = png.Decode(reader)
	case "gif":
		img, err = gif.Decode(reader)
	case "webp":
		img, err = webp.Decode(reader)
	default:
		return nil, image.Config{}, errors.New("unsupported image format: " + format)
	}
	if err != nil {
		return nil, image.Config{}, fmt.Errorf("failed to decode %s image: %w", format, err)
	}

	bounds := img.Bounds()
	flat := imaging.Overlay(imaging.New(bounds.Dx(), bounds.Dy(), color.White), img, image.Pt(0, 0), 1.0)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, flat, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, image.Config{}, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	return buf.Bytes(), image.Config{
		ColorModel: color.RGBAModel,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	}, nil
}
