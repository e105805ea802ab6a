package screen

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"golang.org/x/image/draw"
)

// CapturedImage is one encoded snapshot of the shared screen. Values are
// never mutated after publication; the loop swaps in a new pointer per tick.
type CapturedImage struct {
	JPEG         []byte
	Width        int
	Height       int
	SourceWidth  int
	SourceHeight int
	CapturedAt   time.Time
}

const jpegDataURIPrefix = "data:image/jpeg;base64,"

func (c *CapturedImage) DataURI() string {
	return jpegDataURIPrefix + base64.StdEncoding.EncodeToString(c.JPEG)
}

// SizeKB is the encoded size, before base64.
func (c *CapturedImage) SizeKB() float64 {
	return float64(len(c.JPEG)) / 1024
}

// FitWithin shrinks w×h to fit maxW×maxH keeping the aspect ratio. Fractional
// pixels are truncated. A zero limit disables that axis. Images already
// inside the box are returned unchanged; nothing is ever upscaled.
func FitWithin(w, h, maxW, maxH int) (int, int) {
	if maxW > 0 && w > maxW {
		h = h * maxW / w
		w = maxW
	}
	if maxH > 0 && h > maxH {
		w = w * maxH / h
		h = maxH
	}
	return max(w, 1), max(h, 1)
}

// Encode downscales frame into the configured box and JPEG-encodes it.
func Encode(frame image.Image, cfg Config, at time.Time) (*CapturedImage, error) {
	b := frame.Bounds()
	if b.Empty() {
		return nil, fmt.Errorf("empty frame")
	}
	w, h := FitWithin(b.Dx(), b.Dy(), cfg.MaxWidth, cfg.MaxHeight)

	var src image.Image = frame
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Src, nil)
		src = dst
	}

	quality := min(max(cfg.Quality, 1), 100)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}

	return &CapturedImage{
		JPEG:         buf.Bytes(),
		Width:        w,
		Height:       h,
		SourceWidth:  b.Dx(),
		SourceHeight: b.Dy(),
		CapturedAt:   at,
	}, nil
}
