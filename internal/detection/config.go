package detection

// FastCheckConfig bounds the cheap per-capture heuristics. Zero values are
// never used directly; construct with DefaultFastCheckConfig.
type FastCheckConfig struct {
	MinFileSize  int64 // bytes
	MaxFileSize  int64
	MinWidth     int
	MinHeight    int
	MinBrightness float64 // mean luminance, 0-255
	MaxBrightness float64
	MinContrast   float64 // luminance stddev floor
	MaxNoiseRatio float64 // laplacian variance / overall variance ceiling
}

func DefaultFastCheckConfig() FastCheckConfig {
	return FastCheckConfig{
		MinFileSize:   25 * 1024,
		MaxFileSize:   50 * 1024 * 1024,
		MinWidth:      320,
		MinHeight:     240,
		MinBrightness: 10,
		MaxBrightness: 245,
		MinContrast:   10,
		MaxNoiseRatio: 0.30,
	}
}

// HeavyCheckConfig bounds the CPU-intensive CV checks, run only for cameras
// with heavy detection enabled.
type HeavyCheckConfig struct {
	MinBlurVariance  float64 // laplacian variance floor
	MinEdgeDensity   float64 // canny edge pixel ratio floor
	MinColorVariance float64
	MinHistogramPeaks int
	MinSaturation    float64 // mean saturation floor, 0-255
}

func DefaultHeavyCheckConfig() HeavyCheckConfig {
	return HeavyCheckConfig{
		MinBlurVariance:   100,
		MinEdgeDensity:    0.01,
		MinColorVariance:  50,
		MinHistogramPeaks: 3,
		MinSaturation:     15,
	}
}

// ScoringPolicy turns a combined score into flag/discard decisions. The two
// thresholds are independent: an image can be flagged but kept.
type ScoringPolicy struct {
	FastWeight           float64
	HeavyWeight          float64
	CorruptionThreshold  int
	AutoDiscardThreshold int
	RetryOnDiscard       bool
}

func DefaultScoringPolicy() ScoringPolicy {
	return ScoringPolicy{
		FastWeight:           0.7,
		HeavyWeight:          0.3,
		CorruptionThreshold:  50,
		AutoDiscardThreshold: 75,
		RetryOnDiscard:       true,
	}
}

// IsCorrupted reports whether a score should flag the image.
func (p ScoringPolicy) IsCorrupted(score int) bool {
	return score >= p.CorruptionThreshold
}

// ShouldAutoDiscard reports whether a score warrants deleting the capture.
func (p ScoringPolicy) ShouldAutoDiscard(score int) bool {
	return score >= p.AutoDiscardThreshold
}
