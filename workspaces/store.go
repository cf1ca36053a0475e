package workspaces

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/draftpilot/draftpilot/db/models"
	"github.com/draftpilot/draftpilot/trigger"
)

// Store resolves and provisions workspace identities.
type Store struct {
	db *gorm.DB
}

func NewStore(gdb *gorm.DB) (*Store, error) {
	if gdb == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Store{db: gdb}, nil
}

// ResolveWorkspace maps a Slack team id to the internal workspace.
func (s *Store) ResolveWorkspace(ctx context.Context, teamID string) (trigger.Workspace, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return trigger.Workspace{}, fmt.Errorf("team id is required")
	}
	var ws models.Workspace
	err := s.db.WithContext(ctx).Where("slack_team_id = ?", teamID).First(&ws).Error
	if err != nil {
		return trigger.Workspace{}, fmt.Errorf("workspace for team %s: %w", teamID, err)
	}
	return trigger.Workspace{ID: ws.ID, OrgID: ws.OrgID}, nil
}

// Ensure returns the workspace for the team, creating it on first contact.
// New workspaces get a fresh org id and free-plan defaults.
func (s *Store) Ensure(ctx context.Context, teamID, name string) (models.Workspace, error) {
	teamID = strings.TrimSpace(teamID)
	if teamID == "" {
		return models.Workspace{}, fmt.Errorf("team id is required")
	}

	var ws models.Workspace
	err := s.db.WithContext(ctx).Where("slack_team_id = ?", teamID).First(&ws).Error
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Workspace{}, fmt.Errorf("load workspace: %w", err)
	}

	ws = models.Workspace{
		SlackTeamID: teamID,
		OrgID:       uuid.NewString(),
		Name:        strings.TrimSpace(name),
		Plan:        "free",
	}
	if err := s.db.WithContext(ctx).Create(&ws).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a concurrent first-contact race; the winner's row is fine.
			if err2 := s.db.WithContext(ctx).Where("slack_team_id = ?", teamID).First(&ws).Error; err2 == nil {
				return ws, nil
			}
		}
		return models.Workspace{}, fmt.Errorf("create workspace: %w", err)
	}
	return ws, nil
}

// SetBilling updates the billing identity that usage metering keys on.
func (s *Store) SetBilling(ctx context.Context, workspaceID, email, plan string) error {
	updates := map[string]any{"billing_email": strings.TrimSpace(email)}
	if strings.TrimSpace(plan) != "" {
		updates["plan"] = strings.TrimSpace(plan)
	}
	res := s.db.WithContext(ctx).
		Model(&models.Workspace{}).
		Where("id = ?", workspaceID).
		Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update billing: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("workspace %s not found", workspaceID)
	}
	return nil
}
