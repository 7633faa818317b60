// Package capture grabs single frames from RTSP cameras. The orchestrator
// only sees the FrameCapturer interface; transport details stay here.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"lapser/internal/models"
)

// Outcome reports one capture attempt. Failures are data, not errors; the
// orchestrator turns them into structured results.
type Outcome struct {
	Success  bool
	Error    string
	Metadata map[string]interface{}
}

// ConnectionResult reports a connectivity probe.
type ConnectionResult struct {
	Success        bool
	ResponseTimeMs int64
	Error          string
}

// Settings tunes a single grab.
type Settings struct {
	TimeoutSeconds int
	TransportTCP   bool
}

func DefaultSettings() Settings {
	return Settings{TimeoutSeconds: 30, TransportTCP: true}
}

// FrameCapturer grabs one frame from a camera into outputPath.
type FrameCapturer interface {
	CaptureFrame(ctx context.Context, camera *models.Camera, outputPath string, settings Settings) Outcome
	TestConnection(ctx context.Context, camera *models.Camera) ConnectionResult
}

// FFmpegCapturer shells out to ffmpeg for the actual RTSP handling.
type FFmpegCapturer struct {
	ffmpegPath string
	timeout    time.Duration
}

func NewFFmpegCapturer(ffmpegPath string, timeout time.Duration) *FFmpegCapturer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegCapturer{ffmpegPath: ffmpegPath, timeout: timeout}
}

func (c *FFmpegCapturer) CaptureFrame(ctx context.Context, camera *models.Camera, outputPath string, settings Settings) Outcome {
	if camera.RTSPURL == "" {
		return Outcome{Success: false, Error: "camera has no RTSP URL"}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return Outcome{Success: false, Error: fmt.Sprintf("failed to create output dir: %v", err)}
	}

	timeout := c.timeout
	if settings.TimeoutSeconds > 0 {
		timeout = time.Duration(settings.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"-y", "-loglevel", "error"}
	if settings.TransportTCP {
		args = append(args, "-rtsp_transport", "tcp")
	}
	args = append(args, "-i", camera.RTSPURL, "-frames:v", "1", "-q:v", "2", outputPath)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.ffmpegPath, args...)
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("capture timed out after %v", timeout)
		}
		slog.Warn("Frame capture failed",
			"camera", camera.Name,
			"elapsed", elapsed,
			"error", msg)
		os.Remove(outputPath)
		return Outcome{Success: false, Error: msg}
	}

	info, err := os.Stat(outputPath)
	if err != nil || info.Size() == 0 {
		os.Remove(outputPath)
		return Outcome{Success: false, Error: "ffmpeg produced no output frame"}
	}

	return Outcome{
		Success: true,
		Metadata: map[string]interface{}{
			"capture_ms": elapsed.Milliseconds(),
			"file_size":  info.Size(),
		},
	}
}

// TestConnection probes the stream by grabbing a frame to a throwaway path.
func (c *FFmpegCapturer) TestConnection(ctx context.Context, camera *models.Camera) ConnectionResult {
	tmp, err := os.CreateTemp("", "lapser-probe-*.jpg")
	if err != nil {
		return ConnectionResult{Success: false, Error: err.Error()}
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	start := time.Now()
	outcome := c.CaptureFrame(ctx, camera, tmp.Name(), DefaultSettings())
	return ConnectionResult{
		Success:        outcome.Success,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		Error:          outcome.Error,
	}
}
