package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EscalationAlert is a high-risk conversation alert. The per-channel
// cooldown is a read-time check over open alerts, not a TTL.
type EscalationAlert struct {
	ID string `gorm:"primaryKey;type:text"`

	WorkspaceID string `gorm:"type:text;not null;index"`
	ChannelID   string `gorm:"type:text;not null;index"`

	// critical|high|medium
	Severity string `gorm:"type:text;not null"`
	// open|resolved
	Status string `gorm:"type:text;not null;index"`

	SentimentScore float64 `gorm:"not null;default:0"`
	Summary        string  `gorm:"type:text"`

	// UTC unix milliseconds.
	CreatedAtMs int64 `gorm:"not null;index"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

const (
	AlertStatusOpen     = "open"
	AlertStatusResolved = "resolved"
)

func (a *EscalationAlert) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
