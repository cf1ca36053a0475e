package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Workspace maps an external Slack team to an internal workspace identity.
type Workspace struct {
	ID string `gorm:"primaryKey;type:text"`

	SlackTeamID string `gorm:"type:text;not null;uniqueIndex"`
	OrgID       string `gorm:"type:text;not null;index"`
	Name        string `gorm:"type:text"`

	// Billing email for the workspace owner; empty means usage cannot be
	// metered precisely and checks fail open.
	BillingEmail string `gorm:"type:text"`
	Plan         string `gorm:"type:text;not null;default:'free'"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (w *Workspace) BeforeCreate(_ *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}
