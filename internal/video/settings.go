package video

import (
	"encoding/json"

	"lapser/internal/models"
)

// Settings controls one video render. Resolution order is fixed:
// defaults < camera overrides < timelapse overrides < job settings.
type Settings struct {
	Framerate int    `json:"framerate"`
	Quality   string `json:"quality"` // low, medium, high
}

func DefaultSettings() Settings {
	return Settings{Framerate: 30, Quality: "medium"}
}

// ResolveSettings merges the inheritance chain. Nil levels and empty job
// settings are skipped; later levels win.
func ResolveSettings(camera *models.Camera, tl *models.Timelapse, jobSettingsJSON string) Settings {
	s := DefaultSettings()

	if camera != nil {
		if camera.VideoFramerate != nil {
			s.Framerate = *camera.VideoFramerate
		}
		if camera.VideoQuality != nil {
			s.Quality = *camera.VideoQuality
		}
	}
	if tl != nil {
		if tl.VideoFramerate != nil {
			s.Framerate = *tl.VideoFramerate
		}
		if tl.VideoQuality != nil {
			s.Quality = *tl.VideoQuality
		}
	}
	if jobSettingsJSON != "" {
		var job struct {
			Framerate *int    `json:"framerate"`
			Quality   *string `json:"quality"`
		}
		if err := json.Unmarshal([]byte(jobSettingsJSON), &job); err == nil {
			if job.Framerate != nil {
				s.Framerate = *job.Framerate
			}
			if job.Quality != nil {
				s.Quality = *job.Quality
			}
		}
	}
	return s
}

// crf maps the quality name to an x264 constant rate factor.
func (s Settings) crf() string {
	switch s.Quality {
	case "high":
		return "18"
	case "low":
		return "28"
	default:
		return "23"
	}
}
