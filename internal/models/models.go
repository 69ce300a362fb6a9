package models

import (
	"time"
)

type Salon struct {
	ID                 string    `gorm:"primaryKey;type:varchar(64)"`
	Name               string    `gorm:"type:varchar(255);not null"`
	SubscriptionStatus string    `gorm:"type:varchar(32);not null;default:'inactive';index"`
	SessionDuration    int       `gorm:"not null;default:30"` // minutes
	SessionMaxUses     int       `gorm:"not null;default:5"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

type Style struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)"`
	Name        string    `gorm:"type:varchar(255);not null"`
	Instruction string    `gorm:"type:text;not null"`
	IsActive    bool      `gorm:"not null;default:true;index"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type Session struct {
	ID           string    `gorm:"primaryKey;type:varchar(64)"`
	SalonID      string    `gorm:"type:varchar(64);index"` // empty for anonymous sessions
	CreatedAt    time.Time `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"index;not null"`
	MaxUses      int       `gorm:"not null"`
	UsesConsumed int       `gorm:"not null;default:0"`
	IsActive     bool      `gorm:"not null;default:true;index"`
	ClientIP     string    `gorm:"type:varchar(45)"`
	UserAgent    string    `gorm:"type:text"`
}

type CacheEntry struct {
	CacheKey       string    `gorm:"primaryKey;type:varchar(160)"`
	ContentHash    string    `gorm:"type:varchar(80);not null;index"`
	StyleID        string    `gorm:"type:varchar(64);not null;index"`
	ResultURL      string    `gorm:"type:text;not null"`
	BlobKey        string    `gorm:"type:varchar(255);not null"`
	CreatedAt      time.Time `gorm:"not null"`
	LastAccessedAt time.Time `gorm:"index;not null"`
	AccessCount    int64     `gorm:"not null;default:0"`
	IsActive       bool      `gorm:"not null;default:true;index"`
}

const (
	JobStatusQueued    = "queued"
	JobStatusActive    = "active"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

type TransformJob struct {
	ID          string    `gorm:"primaryKey;type:varchar(64)"`
	SessionID   string    `gorm:"type:varchar(64);not null;index"`
	StyleID     string    `gorm:"type:varchar(64);not null"`
	SourceKey   string    `gorm:"type:varchar(255);not null"` // blob key of the uploaded source image
	SourceMime  string    `gorm:"type:varchar(64);not null;default:'image/jpeg'"`
	Status      string    `gorm:"type:varchar(16);not null;index"`
	Progress    int       `gorm:"not null;default:0"`
	ResultURL   string    `gorm:"type:text"`
	WasCached   bool      `gorm:"not null;default:false"`
	ErrorReason string    `gorm:"type:text"`
	Attempts    int       `gorm:"not null;default:0"`
	RunAfter    time.Time `gorm:"index;not null"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

type AccessLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time `gorm:"index;not null"`
	Method    string    `gorm:"type:varchar(10);not null"`
	Path      string    `gorm:"type:text;not null;index:,length:256"`
	Status    int       `gorm:"not null;index"`
	Duration  time.Duration
	ClientIP  string `gorm:"type:varchar(45);not null"`
	UserAgent string `gorm:"type:text"`
	BytesSent int    `gorm:"not null;default:0"`
}

func (Salon) TableName() string {
	return "salons"
}

func (Style) TableName() string {
	return "styles"
}

func (Session) TableName() string {
	return "sessions"
}

func (CacheEntry) TableName() string {
	return "result_cache"
}

func (TransformJob) TableName() string {
	return "transform_jobs"
}

func (AccessLog) TableName() string {
	return "access_logs"
}
