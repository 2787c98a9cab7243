package thumbnail

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/rwcarlsen/goexif/exif"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp"
)

// Theme is the palette a thumbnail is rendered in. Name is part of the
// cache key.
type Theme struct {
	Name       string
	Background color.NRGBA
	Foreground color.NRGBA
}

var (
	Light = Theme{
		Name:       "light",
		Background: color.NRGBA{R: 0xfa, G: 0xfa, B: 0xfa, A: 0xff},
		Foreground: color.NRGBA{R: 0x21, G: 0x21, B: 0x21, A: 0xff},
	}
	Dark = Theme{
		Name:       "dark",
		Background: color.NRGBA{R: 0x1e, G: 0x1e, B: 0x1e, A: 0xff},
		Foreground: color.NRGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff},
	}
)

// ThemeByName returns the named built-in theme, or Light.
func ThemeByName(name string) Theme {
	if strings.EqualFold(name, Dark.Name) {
		return Dark
	}
	return Light
}

// Renderer draws a size x size thumbnail of the local file at path.
type Renderer interface {
	Render(ctx context.Context, path string, size int, theme Theme) (image.Image, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, path string, size int, theme Theme) (image.Image, error)

func (f RendererFunc) Render(ctx context.Context, path string, size int, theme Theme) (image.Image, error) {
	return f(ctx, path, size, theme)
}

// ImageRenderer scales raster images to fit, honoring EXIF orientation.
type ImageRenderer struct{}

func (ImageRenderer) Render(ctx context.Context, path string, size int, theme Theme) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img = applyOrientation(img, orientation(data))
	fit := imaging.Fit(img, size, size, imaging.Lanczos)
	return imaging.PasteCenter(imaging.New(size, size, theme.Background), fit), nil
}

// orientation reads the EXIF orientation tag. Missing or malformed EXIF
// data reads as 1, the identity.
func orientation(data []byte) int {
	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		return 1
	}
	tag, err := x.Get(exif.Orientation)
	if err != nil {
		return 1
	}
	v, err := tag.Int(0)
	if err != nil || v < 1 || v > 8 {
		return 1
	}
	return v
}

func applyOrientation(img image.Image, o int) image.Image {
	switch o {
	case 2:
		return imaging.FlipH(img)
	case 3:
		return imaging.Rotate180(img)
	case 4:
		return imaging.FlipV(img)
	case 5:
		return imaging.Transpose(img)
	case 6:
		return imaging.Rotate270(img)
	case 7:
		return imaging.Transverse(img)
	case 8:
		return imaging.Rotate90(img)
	default:
		return img
	}
}

// TextRenderer draws the first lines of a text document.
type TextRenderer struct {
	// MaxLines caps the rendered lines; 0 fills the thumbnail.
	MaxLines int
}

const textMargin = 6

func (r TextRenderer) Render(ctx context.Context, path string, size int, theme Theme) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	face := basicfont.Face7x13
	lineHeight := face.Height
	maxLines := (size - 2*textMargin) / lineHeight
	if r.MaxLines > 0 && r.MaxLines < maxLines {
		maxLines = r.MaxLines
	}
	maxCols := (size - 2*textMargin) / face.Advance

	dst := imaging.New(size, size, theme.Background)
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(theme.Foreground),
		Face: face,
	}

	sc := bufio.NewScanner(f)
	for line := 0; line < maxLines && sc.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := strings.ReplaceAll(sc.Text(), "\t", "    ")
		if runes := []rune(text); len(runes) > maxCols {
			text = string(runes[:maxCols])
		}
		d.Dot = fixed.P(textMargin, textMargin+face.Ascent+line*lineHeight)
		d.DrawString(text)
	}
	if err := sc.Err(); err != nil && err != bufio.ErrTooLong {
		return nil, err
	}
	return dst, nil
}

// placeholder is the image shown when rendering fails.
func placeholder(size int, theme Theme) image.Image {
	return imaging.New(size, size, theme.Background)
}
