// Package weather exposes the latest fetched observation to the capture
// pipeline. The fetch service itself lives outside this repo; captures only
// read whatever snapshot is newest, and tolerate having none.
package weather

import (
	"errors"

	"gorm.io/gorm"

	"lapser/internal/models"
)

// Provider returns the latest weather snapshot, or nil when none exists.
type Provider interface {
	GetLatestWeather() *models.WeatherSnapshot
}

// DBProvider reads the newest snapshot row.
type DBProvider struct {
	db *gorm.DB
}

func NewDBProvider(db *gorm.DB) *DBProvider {
	return &DBProvider{db: db}
}

func (p *DBProvider) GetLatestWeather() *models.WeatherSnapshot {
	var snap models.WeatherSnapshot
	err := p.db.Order("fetched_at DESC").First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return nil // best effort everywhere it's consumed
	}
	return &snap
}
