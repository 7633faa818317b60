package detection

import (
	"gocv.io/x/gocv"
)

// Points per failed heavy check; capped at 100 in scoreFromFailures.
const heavyCheckPenalty = 20

// Heavy check names.
const (
	CheckBlur           = "blur"
	CheckEdgeDensity    = "edge_density"
	CheckColorVariance  = "color_variance"
	CheckHistogramPeaks = "histogram_peaks"
	CheckSaturation     = "saturation"
)

// runHeavyChecks runs the CPU-intensive CV heuristics. Like the fast path, a
// load failure is reported through ok rather than an error.
func runHeavyChecks(path string, cfg HeavyCheckConfig) (failed []string, ok bool) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return []string{CheckImageLoad}, false
	}
	defer img.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	if blurVariance(gray) < cfg.MinBlurVariance {
		failed = append(failed, CheckBlur)
	}
	if edgeDensity(gray) < cfg.MinEdgeDensity {
		failed = append(failed, CheckEdgeDensity)
	}
	if colorVariance(img) < cfg.MinColorVariance {
		failed = append(failed, CheckColorVariance)
	}
	if histogramPeaks(gray) < cfg.MinHistogramPeaks {
		failed = append(failed, CheckHistogramPeaks)
	}
	if meanSaturation(img) < cfg.MinSaturation {
		failed = append(failed, CheckSaturation)
	}
	return failed, true
}

// blurVariance is the variance of the laplacian; low values indicate blur.
func blurVariance(gray gocv.Mat) float64 {
	lap := gocv.NewMat()
	defer lap.Close()
	gocv.Laplacian(gray, &lap, gocv.MatTypeCV64F, 1, 1, 0, gocv.BorderDefault)

	mean := gocv.NewMat()
	stddev := gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(lap, &mean, &stddev)
	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd
}

// edgeDensity is the fraction of pixels Canny marks as edges.
func edgeDensity(gray gocv.Mat) float64 {
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(gray, &edges, 100, 200)

	nonZero := gocv.CountNonZero(edges)
	total := edges.Rows() * edges.Cols()
	if total == 0 {
		return 0
	}
	return float64(nonZero) / float64(total)
}

// colorVariance averages the per-channel stddev of the BGR frame.
func colorVariance(img gocv.Mat) float64 {
	mean := gocv.NewMat()
	stddev := gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(img, &mean, &stddev)

	var sum float64
	for i := 0; i < stddev.Rows(); i++ {
		sd := stddev.GetDoubleAt(i, 0)
		sum += sd * sd
	}
	return sum / float64(stddev.Rows())
}

// histogramPeaks counts local maxima in a 32-bin grayscale histogram that
// rise above 2% of the pixel count. A solid or banded frame has very few.
func histogramPeaks(gray gocv.Mat) int {
	hist := gocv.NewMat()
	defer hist.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.CalcHist([]gocv.Mat{gray}, []int{0}, mask, &hist, []int{32}, []float64{0, 256}, false)

	total := float64(gray.Rows() * gray.Cols())
	floor := total * 0.02
	peaks := 0
	bins := hist.Rows()
	for i := 0; i < bins; i++ {
		v := float64(hist.GetFloatAt(i, 0))
		if v < floor {
			continue
		}
		left, right := 0.0, 0.0
		if i > 0 {
			left = float64(hist.GetFloatAt(i-1, 0))
		}
		if i < bins-1 {
			right = float64(hist.GetFloatAt(i+1, 0))
		}
		if v >= left && v >= right {
			peaks++
		}
	}
	return peaks
}

// meanSaturation is the mean of the HSV saturation channel.
func meanSaturation(img gocv.Mat) float64 {
	hsv := gocv.NewMat()
	defer hsv.Close()
	gocv.CvtColor(img, &hsv, gocv.ColorBGRToHSV)

	channels := gocv.Split(hsv)
	defer func() {
		for _, ch := range channels {
			ch.Close()
		}
	}()
	if len(channels) < 2 {
		return 0
	}
	return channels[1].Mean().Val1
}
