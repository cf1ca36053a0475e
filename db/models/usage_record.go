package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsageRecord is one billing identity's counter for one calendar month.
// SuggestionsUsed is only ever moved by an atomic increment; records for
// closed periods are never touched again.
type UsageRecord struct {
	ID string `gorm:"primaryKey;type:text"`

	Email string `gorm:"type:text;not null;uniqueIndex:ux_usage_email_period,priority:1"`
	// First day of the calendar month, "2006-01" in UTC.
	PeriodStart string `gorm:"type:text;not null;uniqueIndex:ux_usage_email_period,priority:2"`

	SuggestionsUsed     int64 `gorm:"not null;default:0"`
	SuggestionsIncluded int64 `gorm:"not null;default:0"`
	BonusSuggestions    int64 `gorm:"not null;default:0"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (u *UsageRecord) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// UsageEvent is an immutable per-suggestion usage append with token and
// cost estimates.
type UsageEvent struct {
	ID string `gorm:"primaryKey;type:text"`

	Email        string `gorm:"type:text;not null;index"`
	SuggestionID string `gorm:"type:text;not null;index"`
	WorkspaceID  string `gorm:"type:text"`

	InputTokens  int64 `gorm:"not null;default:0"`
	OutputTokens int64 `gorm:"not null;default:0"`
	// Decimal string, USD.
	EstimatedCost string `gorm:"type:text;not null;default:'0'"`

	CreatedAt int64 `gorm:"autoCreateTime"`
}

func (u *UsageEvent) BeforeCreate(_ *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}
