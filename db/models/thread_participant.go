package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ThreadParticipant records the last time a user posted in a thread. Rows
// never expire; "participating" is a read-time window over LastMessageAt.
type ThreadParticipant struct {
	ID string `gorm:"primaryKey;type:text"`

	WorkspaceID string `gorm:"type:text;not null;uniqueIndex:ux_participant_thread,priority:1"`
	UserID      string `gorm:"type:text;not null;uniqueIndex:ux_participant_thread,priority:2"`
	ChannelID   string `gorm:"type:text;not null;uniqueIndex:ux_participant_thread,priority:3"`
	ThreadTS    string `gorm:"type:text;not null;uniqueIndex:ux_participant_thread,priority:4"`

	// UTC unix milliseconds.
	LastMessageAt int64 `gorm:"not null;index"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (p *ThreadParticipant) BeforeCreate(_ *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}
