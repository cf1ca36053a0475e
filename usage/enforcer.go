package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/draftpilot/draftpilot/db/models"
)

const (
	WarningNone     = ""
	WarningWarning  = "warning"
	WarningCritical = "critical"

	ReasonLimitReached = "limit_reached"
)

// Decision is the outcome of a usage check for one suggestion about to be
// generated.
type Decision struct {
	Allowed      bool
	Reason       string
	CurrentUsage int64
	Limit        int64
	IsOverage    bool
	OverageCount int64
	WarningLevel string
}

// Enforcer gates suggestion generation on the billing-period cap. Every
// internal failure fails open: metering must never be the reason a user
// sees nothing.
type Enforcer struct {
	db    *gorm.DB
	log   *slog.Logger
	nowFn func() time.Time
}

type Option func(*Enforcer)

func WithNow(nowFn func() time.Time) Option {
	return func(e *Enforcer) { e.nowFn = nowFn }
}

func NewEnforcer(gdb *gorm.DB, log *slog.Logger, opts ...Option) (*Enforcer, error) {
	if gdb == nil {
		return nil, fmt.Errorf("db is required")
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Enforcer{db: gdb, log: log, nowFn: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// CheckUsageAllowed decides whether one more suggestion may be generated
// for the user. A missing billing email or any storage error allows with
// free-tier defaults.
func (e *Enforcer) CheckUsageAllowed(ctx context.Context, workspaceID, userID string) Decision {
	ws, err := e.workspace(ctx, workspaceID)
	if err != nil {
		e.log.Warn("usage_check_fail_open", "workspace_id", workspaceID, "user_id", userID, "error", err)
		return e.failOpen()
	}
	if ws.BillingEmail == "" {
		e.log.Debug("usage_check_no_billing_email", "workspace_id", workspaceID, "user_id", userID)
		return e.failOpen()
	}

	plan := PlanLimits(ws.Plan)
	record, err := e.currentRecord(ctx, ws.BillingEmail, plan)
	if err != nil {
		e.log.Warn("usage_check_fail_open", "workspace_id", workspaceID, "user_id", userID, "error", err)
		return e.failOpen()
	}

	limit := record.SuggestionsIncluded + record.BonusSuggestions
	used := record.SuggestionsUsed
	decision := Decision{
		Allowed:      true,
		CurrentUsage: used,
		Limit:        limit,
		WarningLevel: warningLevel(used, limit),
	}

	if used >= limit {
		if plan.OverageRate.IsZero() {
			decision.Allowed = false
			decision.Reason = ReasonLimitReached
			return decision
		}
		decision.IsOverage = true
		// The +1 accounts for the suggestion this check is gating.
		decision.OverageCount = used - limit + 1
	}
	return decision
}

// RecordUsageEvent increments the period counter in a single atomic add and
// appends an immutable event with token and cost estimates. The suggestion
// has already been delivered by the time this runs, so failures are logged
// and swallowed.
func (e *Enforcer) RecordUsageEvent(ctx context.Context, workspaceID, userID, suggestionID string, inputTokens, outputTokens int64) {
	ws, err := e.workspace(ctx, workspaceID)
	if err != nil || ws.BillingEmail == "" {
		if err != nil {
			e.log.Warn("usage_record_skip", "workspace_id", workspaceID, "suggestion_id", suggestionID, "error", err)
		}
		return
	}

	plan := PlanLimits(ws.Plan)
	record, err := e.currentRecord(ctx, ws.BillingEmail, plan)
	if err != nil {
		e.log.Warn("usage_record_error", "email", ws.BillingEmail, "suggestion_id", suggestionID, "error", err)
		return
	}

	if err := e.db.WithContext(ctx).
		Model(&models.UsageRecord{}).
		Where("id = ?", record.ID).
		Update("suggestions_used", gorm.Expr("suggestions_used + ?", 1)).Error; err != nil {
		e.log.Warn("usage_increment_error", "email", ws.BillingEmail, "suggestion_id", suggestionID, "error", err)
		return
	}

	event := models.UsageEvent{
		Email:         ws.BillingEmail,
		SuggestionID:  suggestionID,
		WorkspaceID:   workspaceID,
		InputTokens:   inputTokens,
		OutputTokens:  outputTokens,
		EstimatedCost: estimateCost(plan, inputTokens, outputTokens).String(),
	}
	if err := e.db.WithContext(ctx).Create(&event).Error; err != nil {
		e.log.Warn("usage_event_error", "email", ws.BillingEmail, "suggestion_id", suggestionID, "error", err)
	}
}

func (e *Enforcer) workspace(ctx context.Context, workspaceID string) (models.Workspace, error) {
	var ws models.Workspace
	err := e.db.WithContext(ctx).Where("id = ?", workspaceID).First(&ws).Error
	if err != nil {
		return models.Workspace{}, fmt.Errorf("load workspace: %w", err)
	}
	return ws, nil
}

// currentRecord loads the month's record for the email, creating it lazily
// on first use. Concurrent first use is resolved by the unique key: the
// losing insert re-reads the winner's row.
func (e *Enforcer) currentRecord(ctx context.Context, email string, plan Plan) (models.UsageRecord, error) {
	period := e.nowFn().UTC().Format("2006-01")

	var record models.UsageRecord
	err := e.db.WithContext(ctx).
		Where("email = ? AND period_start = ?", email, period).
		First(&record).Error
	if err == nil {
		return record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.UsageRecord{}, fmt.Errorf("load usage record: %w", err)
	}

	record = models.UsageRecord{
		Email:               email,
		PeriodStart:         period,
		SuggestionsIncluded: int64(plan.IncludedSuggestions),
	}
	err = e.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil && !isDuplicateKey(err) {
		return models.UsageRecord{}, fmt.Errorf("create usage record: %w", err)
	}
	if err := e.db.WithContext(ctx).
		Where("email = ? AND period_start = ?", email, period).
		First(&record).Error; err != nil {
		return models.UsageRecord{}, fmt.Errorf("reload usage record: %w", err)
	}
	return record, nil
}

func (e *Enforcer) failOpen() Decision {
	plan := PlanLimits("free")
	return Decision{Allowed: true, Limit: int64(plan.IncludedSuggestions)}
}

func warningLevel(used, limit int64) string {
	if limit <= 0 {
		return WarningNone
	}
	percent := float64(used) / float64(limit) * 100
	switch {
	case percent >= 95:
		return WarningCritical
	case percent >= 80:
		return WarningWarning
	default:
		return WarningNone
	}
}

func estimateCost(plan Plan, inputTokens, outputTokens int64) decimal.Decimal {
	perToken := plan.PerSuggestionCostUSD.Div(decimal.NewFromInt(1000))
	return perToken.Mul(decimal.NewFromInt(inputTokens + outputTokens)).Round(6)
}

func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
