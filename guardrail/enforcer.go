package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gorm.io/gorm"

	"github.com/draftpilot/draftpilot/db/models"
)

const (
	ModeHardBlock   = "hard_block"
	ModeRegenerate  = "regenerate"
	ModeSoftWarning = "soft_warning"

	ViolationCategory = "category"
	ViolationKeyword  = "keyword"
)

// Violation is one keyword hit in the suggestion text.
type Violation struct {
	Type        string
	Rule        string
	MatchedText string
}

// Result is the enforcement outcome. Text carries the (possibly original)
// suggestion; it is empty only when Blocked.
type Result struct {
	Blocked          bool
	Text             string
	BlockReason      string
	ShouldRegenerate bool
	AvoidTopics      []string
	Warnings         []string
	Violations       []Violation
}

// Enforcer evaluates org guardrail policy against generated text. Internal
// failures fail open with the original text: this stage is a soft safety
// net, not the only one.
type Enforcer struct {
	db  *gorm.DB
	log *slog.Logger
}

func NewEnforcer(gdb *gorm.DB, log *slog.Logger) (*Enforcer, error) {
	if gdb == nil {
		return nil, fmt.Errorf("db is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Enforcer{db: gdb, log: log}, nil
}

// CheckAndEnforce scans text against the org's enabled categories and
// custom keywords and applies the org's trigger mode.
func (e *Enforcer) CheckAndEnforce(ctx context.Context, orgID, workspaceID, userID, text string) (result Result) {
	result = Result{Text: text}
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn("guardrail_fail_open", "org_id", orgID, "panic", r)
			result = Result{Text: text}
		}
	}()

	cfg := e.loadConfig(ctx, orgID)
	rules := compileRules(cfg)
	if len(rules) == 0 {
		return result
	}

	violations := scan(text, rules)
	if len(violations) == 0 {
		return result
	}
	for _, v := range violations {
		e.log.Info("guardrail_violation",
			"org_id", orgID,
			"workspace_id", workspaceID,
			"user_id", userID,
			"mode", cfg.TriggerMode,
			"type", v.Type,
			"rule", v.Rule,
			"matched", v.MatchedText)
	}
	result.Violations = violations

	switch cfg.TriggerMode {
	case ModeHardBlock:
		result.Blocked = true
		result.Text = ""
		result.BlockReason = violations[0].Rule
	case ModeRegenerate:
		result.ShouldRegenerate = true
		result.AvoidTopics = dedupRules(violations)
	default: // soft_warning
		for _, v := range violations {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("mentions %q (%s policy)", v.MatchedText, v.Rule))
		}
	}
	return result
}

type config struct {
	EnabledCategories []string
	BlockedKeywords   []string
	TriggerMode       string
}

// loadConfig reads the org's policy, falling back to the built-in default
// (all predefined categories, soft_warning) when the row is missing or
// unreadable.
func (e *Enforcer) loadConfig(ctx context.Context, orgID string) config {
	defaults := config{
		EnabledCategories: PredefinedCategoryIDs(),
		TriggerMode:       ModeSoftWarning,
	}

	var row models.GuardrailConfig
	err := e.db.WithContext(ctx).Where("org_id = ?", orgID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return defaults
	}
	if err != nil {
		e.log.Warn("guardrail_config_read_error", "org_id", orgID, "error", err)
		return defaults
	}

	cfg := config{TriggerMode: row.TriggerMode}
	if cfg.TriggerMode == "" {
		cfg.TriggerMode = ModeSoftWarning
	}
	if err := unmarshalList(row.EnabledCategoriesJSON, &cfg.EnabledCategories); err != nil {
		e.log.Warn("guardrail_config_parse_error", "org_id", orgID, "field", "enabled_categories", "error", err)
		return defaults
	}
	if err := unmarshalList(row.BlockedKeywordsJSON, &cfg.BlockedKeywords); err != nil {
		e.log.Warn("guardrail_config_parse_error", "org_id", orgID, "field", "blocked_keywords", "error", err)
		return defaults
	}
	return cfg
}

type rule struct {
	violationType string
	label         string
	pattern       *regexp.Regexp
}

func compileRules(cfg config) []rule {
	var rules []rule
	for _, id := range cfg.EnabledCategories {
		cat, ok := predefinedCategories[strings.TrimSpace(id)]
		if !ok {
			continue
		}
		for _, kw := range cat.Keywords {
			if re := wordPattern(kw); re != nil {
				rules = append(rules, rule{ViolationCategory, cat.ID, re})
			}
		}
	}
	for _, kw := range cfg.BlockedKeywords {
		if re := wordPattern(kw); re != nil {
			rules = append(rules, rule{ViolationKeyword, strings.ToLower(strings.TrimSpace(kw)), re})
		}
	}
	return rules
}

// wordPattern matches the keyword case-insensitively on word boundaries,
// so "sue" never matches inside "issue".
func wordPattern(keyword string) *regexp.Regexp {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil
	}
	re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(keyword) + `\b`)
	if err != nil {
		return nil
	}
	return re
}

func scan(text string, rules []rule) []Violation {
	var out []Violation
	for _, r := range rules {
		if match := r.pattern.FindString(text); match != "" {
			out = append(out, Violation{Type: r.violationType, Rule: r.label, MatchedText: match})
		}
	}
	return out
}

func dedupRules(violations []Violation) []string {
	seen := make(map[string]bool, len(violations))
	out := make([]string, 0, len(violations))
	for _, v := range violations {
		if seen[v.Rule] {
			continue
		}
		seen[v.Rule] = true
		out = append(out, v.Rule)
	}
	return out
}

func unmarshalList(raw string, dst *[]string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
