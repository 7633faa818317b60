// Package video assembles timelapse videos from captured frames with ffmpeg
// and ships the result to artifact storage.
package video

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"lapser/internal/models"
	"lapser/internal/storage"
)

// Generator renders videos for timelapses.
type Generator struct {
	db         *gorm.DB
	store      storage.Storage
	ffmpegPath string
	timeout    time.Duration
}

func NewGenerator(db *gorm.DB, store storage.Storage, ffmpegPath string, timeout time.Duration) *Generator {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Generator{db: db, store: store, ffmpegPath: ffmpegPath, timeout: timeout}
}

// Generate renders one video for the timelapse and stores it under a
// timelapse-scoped key. Returns the storage key.
func (g *Generator) Generate(ctx context.Context, tl *models.Timelapse, settings Settings) (string, error) {
	var images []models.Image
	if err := g.db.Where("timelapse_id = ?", tl.ID).
		Order("captured_at ASC").
		Find(&images).Error; err != nil {
		return "", fmt.Errorf("failed to list frames: %w", err)
	}
	if len(images) < 2 {
		return "", fmt.Errorf("timelapse %d has %d frames, need at least 2", tl.ID, len(images))
	}

	// ffmpeg's concat demuxer takes a file list, which tolerates gaps in
	// frame numbering from discarded captures.
	listFile, err := writeConcatList(images)
	if err != nil {
		return "", err
	}
	defer os.Remove(listFile)

	outFile, err := os.CreateTemp("", "lapser-video-*.mp4")
	if err != nil {
		return "", fmt.Errorf("failed to create output temp: %w", err)
	}
	outFile.Close()
	defer os.Remove(outFile.Name())

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	args := []string{
		"-y", "-loglevel", "error",
		"-f", "concat", "-safe", "0",
		"-r", strconv.Itoa(settings.Framerate),
		"-i", listFile,
		"-c:v", "libx264",
		"-crf", settings.crf(),
		"-pix_fmt", "yuv420p",
		outFile.Name(),
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, g.ffmpegPath, args...)
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("render timed out after %v", g.timeout)
		}
		return "", fmt.Errorf("ffmpeg failed: %s", msg)
	}

	key := fmt.Sprintf("videos/timelapse-%d/%d.mp4", tl.ID, time.Now().Unix())
	if err := g.upload(outFile.Name(), key); err != nil {
		return "", err
	}

	slog.Info("Rendered timelapse video",
		"timelapse_id", tl.ID,
		"frames", len(images),
		"framerate", settings.Framerate,
		"key", key,
		"elapsed", time.Since(start))
	return key, nil
}

func (g *Generator) upload(localPath, key string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open rendered video: %w", err)
	}
	defer src.Close()

	w, err := g.store.Writer(key)
	if err != nil {
		return fmt.Errorf("failed to open storage writer: %w", err)
	}
	if _, err := io.Copy(w, src); err != nil {
		w.Close()
		return fmt.Errorf("failed to store video: %w", err)
	}
	return w.Close()
}

func writeConcatList(images []models.Image) (string, error) {
	f, err := os.CreateTemp("", "lapser-frames-*.txt")
	if err != nil {
		return "", fmt.Errorf("failed to create frame list: %w", err)
	}
	for _, img := range images {
		abs, err := filepath.Abs(img.FilePath)
		if err != nil {
			abs = img.FilePath
		}
		// Single quotes in paths need escaping for the concat demuxer.
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(f, "file '%s'\n", escaped)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
