package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActionableItem is a detected follow-up in a watched conversation. The
// composite unique key makes concurrent or retried detection of the same
// message an idempotent no-op.
type ActionableItem struct {
	ID string `gorm:"primaryKey;type:text"`

	WorkspaceID string `gorm:"type:text;not null;uniqueIndex:ux_actionable_message,priority:1"`
	UserID      string `gorm:"type:text;not null;uniqueIndex:ux_actionable_message,priority:2"`
	ChannelID   string `gorm:"type:text;not null;uniqueIndex:ux_actionable_message,priority:3"`
	MessageTS   string `gorm:"type:text;not null;uniqueIndex:ux_actionable_message,priority:4"`

	// question|request|deadline
	Kind string `gorm:"type:text;not null"`
	Text string `gorm:"type:text;not null"`
	// open|done|dismissed
	Status string `gorm:"type:text;not null;default:'open'"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (a *ActionableItem) BeforeCreate(_ *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}
