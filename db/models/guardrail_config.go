package models

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// GuardrailConfig is an organization's suggestion policy.
type GuardrailConfig struct {
	ID string `gorm:"primaryKey;type:text"`

	OrgID string `gorm:"type:text;not null;uniqueIndex"`

	// JSON array of predefined category ids.
	EnabledCategoriesJSON string `gorm:"type:text"`
	// JSON array of literal blocked keywords.
	BlockedKeywordsJSON string `gorm:"type:text"`

	// hard_block|regenerate|soft_warning
	TriggerMode string `gorm:"type:text;not null;default:'soft_warning'"`

	CreatedAt int64 `gorm:"autoCreateTime"`
	UpdatedAt int64 `gorm:"autoUpdateTime"`
}

func (g *GuardrailConfig) BeforeCreate(_ *gorm.DB) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	return nil
}
