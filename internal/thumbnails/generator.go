// Package thumbnails renders the two derived sizes for a captured frame:
// a dashboard thumbnail (JPEG) and a tiny grid preview (WebP).
package thumbnails

import (
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/HugoSmits86/nativewebp"
	"golang.org/x/image/draw"
)

// Sizes are bounding boxes; aspect ratio is preserved.
const (
	ThumbnailWidth  = 400
	ThumbnailHeight = 300
	SmallWidth      = 160
	SmallHeight     = 120
)

// Result carries the written artifact paths.
type Result struct {
	ThumbnailPath string
	SmallPath     string
}

// Generator writes derived images under baseDir, mirroring the capture's
// relative layout.
type Generator struct {
	baseDir string
}

func NewGenerator(baseDir string) *Generator {
	return &Generator{baseDir: baseDir}
}

// Generate renders both sizes for the frame at sourcePath. The returned
// paths are absolute.
func (g *Generator) Generate(sourcePath string) (Result, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return Result{}, fmt.Errorf("failed to open source frame: %w", err)
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return Result{}, fmt.Errorf("failed to decode source frame: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))

	thumbPath := filepath.Join(g.baseDir, "thumbnails", base+"_thumb.jpg")
	if err := writeJPEG(thumbPath, resize(src, ThumbnailWidth, ThumbnailHeight)); err != nil {
		return Result{}, err
	}

	smallPath := filepath.Join(g.baseDir, "smalls", base+"_small.webp")
	if err := writeWebP(smallPath, resize(src, SmallWidth, SmallHeight)); err != nil {
		return Result{}, err
	}

	return Result{ThumbnailPath: thumbPath, SmallPath: smallPath}, nil
}

// resize scales src into a maxW x maxH bounding box with CatmullRom, which
// is slow but noticeably better on timelapse detail than bilinear.
func resize(src image.Image, maxW, maxH int) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxW && h <= maxH {
		return src
	}

	scaleW := float64(maxW) / float64(w)
	scaleH := float64(maxH) / float64(h)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	dw := int(float64(w) * scale)
	dh := int(float64(h) * scale)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func writeJPEG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 85}); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return nil
}

func writeWebP(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := nativewebp.Encode(f, img, nil); err != nil {
		os.Remove(path)
		return fmt.Errorf("failed to encode small preview: %w", err)
	}
	return nil
}
