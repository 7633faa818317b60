package settings

import (
	"errors"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"lapser/internal/models"
)

// Well-known setting keys.
const (
	KeyThumbnailGenerationEnabled = "thumbnail_generation_enabled"
	KeyCorruptionThreshold        = "corruption_threshold"
	KeyAutoDiscardThreshold       = "auto_discard_threshold"
	KeyPerCaptureThrottleMinutes  = "per_capture_throttle_minutes"
	KeyImageRetentionDays         = "image_retention_days"
)

// Provider is a read-through view of the settings table. It is constructed
// once at startup and passed down; there is no package-level state.
type Provider struct {
	db *gorm.DB
}

func NewProvider(db *gorm.DB) *Provider {
	return &Provider{db: db}
}

// GetSetting returns the raw string value, or "" when the key is absent.
func (p *Provider) GetSetting(key string) (string, error) {
	var s models.Setting
	err := p.db.Where("key = ?", key).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

// GetBool parses a boolean setting. "true", "1" and "yes" (any case) are
// true; absence or a lookup error yields the fallback.
func (p *Provider) GetBool(key string, fallback bool) bool {
	v, err := p.GetSetting(key)
	if err != nil || v == "" {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "1", "yes":
		return true
	default:
		return false
	}
}

// GetInt parses an integer setting, falling back on absence or parse failure.
func (p *Provider) GetInt(key string, fallback int) int {
	v, err := p.GetSetting(key)
	if err != nil || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}

// SetSetting upserts a key/value pair.
func (p *Provider) SetSetting(key, value string) error {
	var s models.Setting
	err := p.db.Where("key = ?", key).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return p.db.Create(&models.Setting{Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	return p.db.Model(&s).Update("value", value).Error
}
