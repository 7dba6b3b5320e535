// Package watermark composites a text label onto an image.
package watermark

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif" // register decoder
	"image/jpeg"
	_ "image/png" // register decoder
	"log/slog"
	"os"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp" // register decoder
)

// ErrDecode is returned when the input bytes are not a decodable image.
var ErrDecode = errors.New("watermark: image could not be decoded")

const (
	minFontSize    = 20
	fontDivisor    = 20 // font size is image width / fontDivisor
	marginRight    = 10
	marginBottom   = 30
	shadowOffset   = 2
	defaultQuality = 75

	// DefaultMaxPixels caps decoded image area; larger inputs are rejected
	// before any pixel buffer is allocated.
	DefaultMaxPixels = 50_000_000
)

var (
	shadowColor = color.NRGBA{R: 0, G: 0, B: 0, A: 120}
	textColor   = color.NRGBA{R: 255, G: 255, B: 255, A: 160}
)

// Config configures a Renderer.
type Config struct {
	FontPath    string // TrueType/OpenType file; empty uses the built-in font
	JPEGQuality int    // 1-100, default 75
	MaxPixels   int    // width*height limit, default DefaultMaxPixels
}

// Renderer draws watermarks. It is safe for concurrent use and has no side
// effects beyond reading the font file once.
type Renderer struct {
	fontPath  string
	quality   int
	maxPixels int

	once sync.Once
	font *opentype.Font
}

func NewRenderer(cfg Config) *Renderer {
	q := cfg.JPEGQuality
	if q <= 0 || q > 100 {
		q = defaultQuality
	}
	maxPixels := cfg.MaxPixels
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Renderer{fontPath: cfg.FontPath, quality: q, maxPixels: maxPixels}
}

// Render decodes img, draws label near the bottom-right corner as a drop
// shadow followed by a translucent white pass, and returns the result as JPEG.
// The output has the same pixel dimensions as the input.
func (r *Renderer) Render(img []byte, label string) ([]byte, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(r.maxPixels) {
		return nil, fmt.Errorf("%w: %dx%d exceeds the %d pixel limit", ErrDecode, cfg.Width, cfg.Height, r.maxPixels)
	}

	src, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	rect := image.Rect(0, 0, w, h)

	base := image.NewRGBA(rect)
	draw.Draw(base, rect, src, b.Min, draw.Src)

	face, err := opentype.NewFace(r.loadFont(), &opentype.FaceOptions{
		Size:    float64(FontSize(w)),
		DPI:     72,
		Hinting: font.HintingNone,
	})
	if err != nil {
		return nil, fmt.Errorf("watermark: failed to create font face: %w", err)
	}
	defer face.Close()

	ink, _ := font.BoundString(face, label)
	dot := anchor(w, h, ink)

	overlay := image.NewRGBA(rect)
	d := &font.Drawer{Dst: overlay, Face: face}
	d.Src = image.NewUniform(shadowColor)
	d.Dot = dot.Add(fixed.P(shadowOffset, shadowOffset))
	d.DrawString(label)
	d.Src = image.NewUniform(textColor)
	d.Dot = dot
	d.DrawString(label)

	out := image.NewRGBA(rect)
	draw.Draw(out, rect, image.White, image.Point{}, draw.Src)
	draw.Draw(out, rect, base, image.Point{}, draw.Over)
	draw.Draw(out, rect, overlay, image.Point{}, draw.Over)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, fmt.Errorf("watermark: failed to encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

// FontSize returns the label size in pixels for an image of the given width.
func FontSize(width int) int {
	return max(minFontSize, width/fontDivisor)
}

// anchor returns the drawing origin that puts the top-left of the ink box
// marginRight from the right edge and marginBottom above the bottom edge.
func anchor(w, h int, ink fixed.Rectangle26_6) fixed.Point26_6 {
	tw := (ink.Max.X - ink.Min.X).Ceil()
	th := (ink.Max.Y - ink.Min.Y).Ceil()
	x := w - tw - marginRight
	y := h - th - marginBottom
	return fixed.Point26_6{
		X: fixed.I(x) - ink.Min.X,
		Y: fixed.I(y) - ink.Min.Y,
	}
}

// loadFont parses the configured font, falling back to Go Regular.
func (r *Renderer) loadFont() *opentype.Font {
	r.once.Do(func() {
		if r.fontPath != "" {
			f, err := parseFontFile(r.fontPath)
			if err == nil {
				r.font = f
				return
			}
			slog.Warn("watermark: failed to load font, using built-in default", "path", r.fontPath, "err", err)
		}
		f, err := opentype.Parse(goregular.TTF)
		if err != nil {
			panic(fmt.Sprintf("watermark: built-in font is invalid: %v", err))
		}
		r.font = f
	})
	return r.font
}

func parseFontFile(path string) (*opentype.Font, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	f, err := opentype.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font %s: %w", path, err)
	}
	return f, nil
}
