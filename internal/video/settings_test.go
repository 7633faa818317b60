package video

import (
	"testing"

	"lapser/internal/models"
)

func intp(n int) *int       { return &n }
func strp(s string) *string { return &s }

func TestResolveSettingsInheritance(t *testing.T) {
	camera := &models.Camera{
		VideoFramerate: intp(24),
		VideoQuality:   strp("low"),
	}
	tl := &models.Timelapse{
		VideoFramerate: intp(60),
	}

	tests := []struct {
		name    string
		camera  *models.Camera
		tl      *models.Timelapse
		jobJSON string
		want    Settings
	}{
		{
			name: "defaults when nothing set",
			want: Settings{Framerate: 30, Quality: "medium"},
		},
		{
			name:   "camera overrides defaults",
			camera: camera,
			want:   Settings{Framerate: 24, Quality: "low"},
		},
		{
			name:   "timelapse overrides camera per field",
			camera: camera,
			tl:     tl,
			want:   Settings{Framerate: 60, Quality: "low"},
		},
		{
			name:    "job settings win over everything",
			camera:  camera,
			tl:      tl,
			jobJSON: `{"framerate": 15, "quality": "high"}`,
			want:    Settings{Framerate: 15, Quality: "high"},
		},
		{
			name:    "partial job settings only touch named fields",
			camera:  camera,
			tl:      tl,
			jobJSON: `{"quality": "high"}`,
			want:    Settings{Framerate: 60, Quality: "high"},
		},
		{
			name:    "malformed job settings are ignored",
			camera:  camera,
			jobJSON: `{broken`,
			want:    Settings{Framerate: 24, Quality: "low"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ResolveSettings(tt.camera, tt.tl, tt.jobJSON)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestQualityCRFMapping(t *testing.T) {
	tests := []struct {
		quality string
		want    string
	}{
		{"high", "18"},
		{"medium", "23"},
		{"low", "28"},
		{"unknown", "23"},
	}
	for _, tt := range tests {
		s := Settings{Quality: tt.quality}
		if got := s.crf(); got != tt.want {
			t.Errorf("crf(%s) = %s, want %s", tt.quality, got, tt.want)
		}
	}
}
