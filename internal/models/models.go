package models

import (
	"time"

	"gorm.io/gorm"
)

// Job statuses shared by both generation job tables.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job priorities, ordered high > medium > low.
const (
	JobPriorityHigh   = "high"
	JobPriorityMedium = "medium"
	JobPriorityLow    = "low"
)

// Timelapse statuses.
const (
	TimelapseStatusCreated   = "created"
	TimelapseStatusRunning   = "running"
	TimelapseStatusPaused    = "paused"
	TimelapseStatusCompleted = "completed"
)

// Video automation modes.
const (
	AutomationManual     = "manual"
	AutomationPerCapture = "per_capture"
	AutomationMilestone  = "milestone"
	AutomationScheduled  = "scheduled"
)

// User represents an authenticated admin user
type User struct {
	gorm.Model
	Username     string `gorm:"unique"`
	PasswordHash string
}

// Camera represents one RTSP source
type Camera struct {
	gorm.Model
	Name                string `gorm:"unique"`
	RTSPURL             string
	Enabled             bool   `gorm:"default:true"`
	ActiveTimelapseID   *uint
	ConsecutiveFailures int
	DegradedModeActive  bool
	UseHeavyDetection   bool
	LastVideoAt         *time.Time

	// Nullable video settings; global defaults apply when unset.
	VideoFramerate *int
	VideoQuality   *string

	Timelapses []Timelapse `gorm:"foreignKey:CameraID"`
}

// Timelapse represents one capture campaign for a camera.
// At most one timelapse per camera is running or paused, and that one is
// referenced by Camera.ActiveTimelapseID.
type Timelapse struct {
	gorm.Model
	CameraID               uint   `gorm:"index"`
	Status                 string `gorm:"default:created"`
	StartDate              time.Time
	CaptureIntervalSeconds int    `gorm:"default:300"`

	// Automation settings; nullable video fields inherit from the camera.
	AutomationMode      string `gorm:"default:manual"`
	MilestoneThresholds string // comma-separated image counts
	ScheduleType        string // daily or weekly
	ScheduleTime        string // HH:MM
	ScheduleWeekday     string // monday..sunday, weekly only
	VideoFramerate      *int
	VideoQuality        *string

	ImageCount     int
	ThumbnailCount int
	SmallCount     int
	GlitchCount    int

	Images []Image `gorm:"foreignKey:TimelapseID;constraint:OnDelete:CASCADE"`
}

// Image represents one captured frame
type Image struct {
	gorm.Model
	CameraID        uint `gorm:"index"`
	TimelapseID     uint `gorm:"index"`
	FilePath        string
	Filename        string
	CapturedAt      time.Time
	DayNumber       int  // 1-based, relative to timelapse start date in local time
	CorruptionScore int  // 0 = clean, 100 = fully corrupted
	IsFlagged       bool
	FileSize        int64
	ThumbnailPath   *string
	SmallPath       *string

	// Weather snapshot at capture time, best effort.
	WeatherTemperature *float64
	WeatherConditions  *string
	WeatherIcon        *string
}

// ThumbnailGenerationJob is a background work item targeting one image.
// Status moves only through guarded conditional updates; see jobs.Queue.
type ThumbnailGenerationJob struct {
	gorm.Model
	ImageID          uint   `gorm:"index"`
	Priority         string
	Status           string `gorm:"default:pending;index"`
	JobType          string `gorm:"default:single"`
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ErrorMessage     string
	RetryCount       int
	ProcessingTimeMs *int
}

// VideoGenerationJob is a background work item targeting one timelapse
type VideoGenerationJob struct {
	gorm.Model
	TimelapseID      uint   `gorm:"index"`
	Priority         string
	Status           string `gorm:"default:pending;index"`
	TriggerType      string // manual, per_capture, milestone, scheduled
	MilestoneCount   *int   // set for milestone-triggered jobs
	Settings         string // merged settings JSON
	VideoPath        string
	StartedAt        *time.Time
	CompletedAt      *time.Time
	ErrorMessage     string
	RetryCount       int
	ProcessingTimeMs *int
}

// CorruptionLog is the audit trail of one quality evaluation
type CorruptionLog struct {
	gorm.Model
	CameraID         uint   `gorm:"index"`
	ImageID          *uint
	CorruptionScore  int
	FastScore        int
	HeavyScore       *int
	FailedChecks     string // comma-separated check names
	ActionTaken      string // saved, flagged, discarded, retried
	ProcessingTimeMs int
}

// Setting is a string key/value pair; booleans are "true"/"1"/"yes"
type Setting struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex;column:key"`
	Value string
}

// Event is the persisted form of a broadcast message
type Event struct {
	gorm.Model
	EventType string `gorm:"index"`
	Data      string // JSON payload
	Priority  string `gorm:"default:normal"`
	Source    string
}

// WeatherSnapshot holds the latest fetched weather observation
type WeatherSnapshot struct {
	gorm.Model
	Temperature float64
	Conditions  string
	Icon        string
	FetchedAt   time.Time
}

// AllModels returns the AutoMigrate set in FK dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&User{},
		&Camera{},
		&Timelapse{},
		&Image{},
		&ThumbnailGenerationJob{},
		&VideoGenerationJob{},
		&CorruptionLog{},
		&Setting{},
		&Event{},
		&WeatherSnapshot{},
	}
}
