package detection

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
)

// Points per failed fast check; capped at 100 in scoreFromFailures.
const fastCheckPenalty = 25

// Fast check names as recorded in results and corruption logs.
const (
	CheckFileSize   = "file_size"
	CheckDimensions = "dimensions"
	CheckBrightness = "brightness"
	CheckContrast   = "contrast"
	CheckNoise      = "noise_ratio"
	CheckImageLoad  = "image_load"
)

// luminanceStats are computed in one sampled pass over the frame.
type luminanceStats struct {
	width, height int
	mean          float64
	stddev        float64
	noiseRatio    float64
}

// runFastChecks runs the cheap heuristics against the file at path. A decode
// failure is reported through the ok flag, not an error: the caller treats it
// as full corruption.
func runFastChecks(path string, cfg FastCheckConfig) (failed []string, ok bool) {
	info, err := os.Stat(path)
	if err != nil {
		return []string{CheckImageLoad}, false
	}
	if info.Size() < cfg.MinFileSize || info.Size() > cfg.MaxFileSize {
		failed = append(failed, CheckFileSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return []string{CheckImageLoad}, false
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return []string{CheckImageLoad}, false
	}

	stats := sampleLuminance(img)
	if stats.width < cfg.MinWidth || stats.height < cfg.MinHeight {
		failed = append(failed, CheckDimensions)
	}
	if stats.mean < cfg.MinBrightness || stats.mean > cfg.MaxBrightness {
		failed = append(failed, CheckBrightness)
	}
	if stats.stddev < cfg.MinContrast {
		failed = append(failed, CheckContrast)
	}
	if stats.noiseRatio > cfg.MaxNoiseRatio {
		failed = append(failed, CheckNoise)
	}
	return failed, true
}

// sampleLuminance computes mean, stddev and a laplacian-based noise ratio on
// a strided sample of the frame. Sampling keeps the fast path in the low
// millisecond range on full HD frames.
func sampleLuminance(img image.Image) luminanceStats {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	stats := luminanceStats{width: w, height: h}
	if w < 3 || h < 3 {
		return stats
	}

	// Aim for roughly 128x128 sample points regardless of frame size.
	stride := w / 128
	if s := h / 128; s > stride {
		stride = s
	}
	if stride < 1 {
		stride = 1
	}

	var sum, sumSq float64
	var lapSum, lapSumSq float64
	var n, lapN int

	lum := func(x, y int) float64 {
		r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
		return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(bl)) / 257.0
	}

	for y := stride; y < h-stride; y += stride {
		for x := stride; x < w-stride; x += stride {
			c := lum(x, y)
			sum += c
			sumSq += c * c
			n++

			// 4-neighbor laplacian at sample stride.
			l := lum(x-stride, y) + lum(x+stride, y) + lum(x, y-stride) + lum(x, y+stride) - 4*c
			lapSum += l
			lapSumSq += l * l
			lapN++
		}
	}
	if n == 0 {
		return stats
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stats.mean = mean
	stats.stddev = math.Sqrt(variance)

	if lapN > 0 && variance > 1e-6 {
		lapMean := lapSum / float64(lapN)
		lapVar := lapSumSq/float64(lapN) - lapMean*lapMean
		if lapVar < 0 {
			lapVar = 0
		}
		stats.noiseRatio = lapVar / (variance * 16)
	}
	return stats
}

// scoreFromFailures converts a failed-check count into a 0-100 score.
func scoreFromFailures(count, penalty int) int {
	score := count * penalty
	if score > 100 {
		return 100
	}
	return score
}
