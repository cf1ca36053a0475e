package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WatchedConversation is a user's opt-in to suggestions for one channel.
type WatchedConversation struct {
	ID string `gorm:"primaryKey;type:text"`

	WorkspaceID string `gorm:"type:text;not null;uniqueIndex:ux_watch_ws_user_channel,priority:1"`
	UserID      string `gorm:"type:text;not null;uniqueIndex:ux_watch_ws_user_channel,priority:2"`
	ChannelID   string `gorm:"type:text;not null;uniqueIndex:ux_watch_ws_user_channel,priority:3"`

	ChannelName string `gorm:"type:text"`
	// im|mpim|channel|private_channel
	ChannelType string `gorm:"type:text"`
	AutoRespond bool   `gorm:"not null;default:0"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (w *WatchedConversation) BeforeCreate(_ *gorm.DB) error {
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	return nil
}
