package generation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/draftpilot/draftpilot/actionable"
	"github.com/draftpilot/draftpilot/contextsearch"
	"github.com/draftpilot/draftpilot/db/models"
	"github.com/draftpilot/draftpilot/escalation"
	"github.com/draftpilot/draftpilot/guardrail"
	"github.com/draftpilot/draftpilot/metrics"
	"github.com/draftpilot/draftpilot/trigger"
	"github.com/draftpilot/draftpilot/usage"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultTick     = 1 * time.Second
	maxErrorChars   = 2000
	relatedMessages = 3
)

// Delivery is one suggestion handed to the messaging side.
type Delivery struct {
	ChannelID    string
	UserID       string
	SuggestionID string
	Text         string
	TriggerType  string
	ThreadTS     string
	Warnings     []string
}

// Deliverer pushes a finished suggestion to its recipient.
type Deliverer interface {
	Deliver(ctx context.Context, d Delivery) error
}

type Config struct {
	Concurrency  int
	Tick         time.Duration
	Timeout      time.Duration
	AdminUserIDs []string
}

func DefaultConfig() Config {
	return Config{
		Concurrency: 2,
		Tick:        defaultTick,
		Timeout:     defaultTimeout,
	}
}

// Worker drains the suggestion job queue: claim queued jobs, generate,
// gate on guardrails, deliver, then run the best-effort tail (usage,
// actionable detection, escalation scan). Exactly one stage outcome is
// user-visible per job; everything else logs and moves on.
type Worker struct {
	db        *gorm.DB
	log       *slog.Logger
	cfg       Config
	generator Generator
	guard     *guardrail.Enforcer
	deliverer Deliverer
	metrics   *metrics.Recorder
	usage     *usage.Enforcer
	items     *actionable.Detector
	alerts    *escalation.Guard
	index     *contextsearch.Index

	wg     sync.WaitGroup
	wakeCh chan struct{}
}

func NewWorker(
	gdb *gorm.DB,
	generator Generator,
	guard *guardrail.Enforcer,
	deliverer Deliverer,
	recorder *metrics.Recorder,
	enforcer *usage.Enforcer,
	items *actionable.Detector,
	alerts *escalation.Guard,
	index *contextsearch.Index,
	cfg Config,
	log *slog.Logger,
) (*Worker, error) {
	if gdb == nil {
		return nil, fmt.Errorf("db is required")
	}
	if generator == nil {
		return nil, fmt.Errorf("generator is required")
	}
	if guard == nil {
		return nil, fmt.Errorf("guardrail enforcer is required")
	}
	if deliverer == nil {
		return nil, fmt.Errorf("deliverer is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("metrics recorder is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		db:        gdb,
		log:       log,
		cfg:       cfg,
		generator: generator,
		guard:     guard,
		deliverer: deliverer,
		metrics:   recorder,
		usage:     enforcer,
		items:     items,
		alerts:    alerts,
		index:     index,
		wakeCh:    make(chan struct{}, 1),
	}, nil
}

// Start recovers orphaned jobs and launches the worker loops.
func (w *Worker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := w.recoverOrphanedJobs(ctx); err != nil {
		return err
	}

	w.log.Info("generation_worker_start", "concurrency", w.cfg.Concurrency, "tick_ms", w.cfg.Tick.Milliseconds())

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go func(workerID int) {
			defer w.wg.Done()
			w.workerLoop(ctx, workerID)
		}(i + 1)
	}

	// Kick workers to drain any pre-existing queued jobs on startup.
	w.wake()
	return nil
}

func (w *Worker) Wait() {
	w.wg.Wait()
}

// Enqueue persists one job and wakes a worker. The suggestion id is the
// job id.
func (w *Worker) Enqueue(ctx context.Context, req trigger.Request) error {
	contextJSON, err := json.Marshal(req.Context)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}
	job := models.SuggestionJob{
		ID:          req.SuggestionID,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		MessageTS:   req.MessageTS,
		ThreadTS:    req.ThreadTS,
		TriggerType: req.TriggerType,
		TriggerText: req.TriggerText,
		ContextJSON: string(contextJSON),
		Status:      models.SuggestionStatusQueued,
	}
	if err := w.db.WithContext(ctx).Create(&job).Error; err != nil {
		return fmt.Errorf("enqueue suggestion job: %w", err)
	}
	w.wake()
	return nil
}

func (w *Worker) wake() {
	select {
	case w.wakeCh <- struct{}{}:
	default:
	}
}

// A job stuck in running means the process died mid-generation. The
// suggestion was never delivered, so fail it rather than guess.
func (w *Worker) recoverOrphanedJobs(ctx context.Context) error {
	msg := "process restarted"
	res := w.db.WithContext(ctx).
		Model(&models.SuggestionJob{}).
		Where("status = ?", models.SuggestionStatusRunning).
		Updates(map[string]any{
			"status": models.SuggestionStatusFailed,
			"error":  msg,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		w.log.Warn("generation_recovered_orphaned_jobs", "count", res.RowsAffected)
	}
	return nil
}

func (w *Worker) workerLoop(ctx context.Context, workerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.wakeCh:
		case <-time.After(w.cfg.Tick):
		}

		for {
			job, ok, err := w.claimNextQueuedJob(ctx)
			if err != nil {
				w.log.Warn("generation_claim_error", "worker", workerID, "error", err.Error())
				break
			}
			if !ok {
				break
			}
			w.executeJob(ctx, workerID, *job)
		}
	}
}

func (w *Worker) claimNextQueuedJob(ctx context.Context) (*models.SuggestionJob, bool, error) {
	var job models.SuggestionJob
	res := w.db.WithContext(ctx).
		Where("status = ?", models.SuggestionStatusQueued).
		Order("created_at asc").
		Limit(1).
		Find(&job)
	if res.Error != nil {
		return nil, false, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, false, nil
	}
	res2 := w.db.WithContext(ctx).
		Model(&models.SuggestionJob{}).
		Where("id = ? AND status = ?", job.ID, models.SuggestionStatusQueued).
		Updates(map[string]any{
			"status":  models.SuggestionStatusRunning,
			"attempt": gorm.Expr("attempt + ?", 1),
		})
	if res2.Error != nil {
		return nil, false, res2.Error
	}
	if res2.RowsAffected == 0 {
		// Another worker won the claim.
		return nil, false, nil
	}
	job.Status = models.SuggestionStatusRunning
	return &job, true, nil
}

func (w *Worker) executeJob(ctx context.Context, workerID int, job models.SuggestionJob) {
	w.log.Info("generation_job_start",
		"worker", workerID, "suggestion_id", job.ID, "trigger_type", job.TriggerType)

	var ws models.Workspace
	if err := w.db.WithContext(ctx).Where("id = ?", job.WorkspaceID).First(&ws).Error; err != nil {
		w.finishJob(job.ID, models.SuggestionStatusFailed, truncatePtr(err.Error()))
		w.metrics.RecordError(ctx, job.ID, "workspace_lookup_failed")
		return
	}

	prompt, err := w.buildPrompt(ctx, job)
	if err != nil {
		w.finishJob(job.ID, models.SuggestionStatusFailed, truncatePtr(err.Error()))
		w.metrics.RecordError(ctx, job.ID, "bad_job_payload")
		return
	}

	w.metrics.RecordAIStarted(ctx, job.ID)
	result, err := w.generate(ctx, prompt)
	if err != nil {
		w.metrics.RecordError(ctx, job.ID, errorType(ctx, err))
		w.finishJob(job.ID, models.SuggestionStatusFailed, truncatePtr(err.Error()))
		w.log.Warn("generation_job_error", "worker", workerID, "suggestion_id", job.ID, "error", err.Error())
		return
	}
	w.metrics.RecordAICompleted(ctx, job.ID)

	verdict := w.guard.CheckAndEnforce(ctx, ws.OrgID, job.WorkspaceID, job.UserID, result.Text)
	if verdict.ShouldRegenerate {
		verdict, result, err = w.regenerate(ctx, ws, job, prompt, verdict)
		if err != nil {
			w.metrics.RecordError(ctx, job.ID, errorType(ctx, err))
			w.finishJob(job.ID, models.SuggestionStatusFailed, truncatePtr(err.Error()))
			return
		}
	}
	if verdict.Blocked {
		w.log.Info("generation_job_blocked",
			"worker", workerID, "suggestion_id", job.ID, "reason", verdict.BlockReason)
		w.finishJob(job.ID, models.SuggestionStatusBlocked, truncatePtr(verdict.BlockReason))
		w.metrics.RecordError(ctx, job.ID, "guardrail_blocked")
		return
	}

	delivery := Delivery{
		ChannelID:    job.ChannelID,
		UserID:       job.UserID,
		SuggestionID: job.ID,
		Text:         verdict.Text,
		TriggerType:  job.TriggerType,
		ThreadTS:     job.ThreadTS,
		Warnings:     verdict.Warnings,
	}
	if err := w.deliverer.Deliver(ctx, delivery); err != nil {
		w.metrics.RecordError(ctx, job.ID, "delivery_failed")
		w.finishJob(job.ID, models.SuggestionStatusFailed, truncatePtr(err.Error()))
		w.log.Warn("generation_delivery_error", "worker", workerID, "suggestion_id", job.ID, "error", err.Error())
		return
	}
	w.metrics.RecordDelivered(ctx, job.ID)
	w.finishJob(job.ID, models.SuggestionStatusDelivered, nil)
	w.log.Info("generation_job_delivered", "worker", workerID, "suggestion_id", job.ID)

	if w.usage != nil {
		w.usage.RecordUsageEvent(ctx, job.WorkspaceID, job.UserID, job.ID, result.InputTokens, result.OutputTokens)
	}
	w.runSideEffects(job)
}

// regenerate retries generation exactly once with the violated rules as
// negative constraints. Text that still trips the rules is blocked rather
// than looped.
func (w *Worker) regenerate(ctx context.Context, ws models.Workspace, job models.SuggestionJob, prompt Prompt, first guardrail.Result) (guardrail.Result, Result, error) {
	avoidJSON, err := json.Marshal(first.AvoidTopics)
	if err == nil {
		_ = w.db.WithContext(ctx).
			Model(&models.SuggestionJob{}).
			Where("id = ?", job.ID).
			Update("avoid_topics_json", string(avoidJSON)).Error
	}

	prompt.AvoidTopics = first.AvoidTopics
	w.log.Info("generation_regenerate", "suggestion_id", job.ID, "avoid_topics", first.AvoidTopics)

	result, err := w.generate(ctx, prompt)
	if err != nil {
		return guardrail.Result{}, Result{}, err
	}
	verdict := w.guard.CheckAndEnforce(ctx, ws.OrgID, job.WorkspaceID, job.UserID, result.Text)
	if verdict.ShouldRegenerate {
		verdict.Blocked = true
		verdict.Text = ""
		verdict.ShouldRegenerate = false
		if len(verdict.Violations) > 0 {
			verdict.BlockReason = verdict.Violations[0].Rule
		}
	}
	return verdict, result, nil
}

func (w *Worker) generate(ctx context.Context, prompt Prompt) (Result, error) {
	genCtx, cancel := context.WithTimeout(ctx, w.cfg.Timeout)
	defer cancel()
	return w.generator.Generate(genCtx, prompt)
}

func (w *Worker) buildPrompt(ctx context.Context, job models.SuggestionJob) (Prompt, error) {
	var contextMsgs []trigger.ContextMessage
	if strings.TrimSpace(job.ContextJSON) != "" {
		if err := json.Unmarshal([]byte(job.ContextJSON), &contextMsgs); err != nil {
			return Prompt{}, fmt.Errorf("decode context: %w", err)
		}
	}
	var avoid []string
	if strings.TrimSpace(job.AvoidTopicsJSON) != "" {
		if err := json.Unmarshal([]byte(job.AvoidTopicsJSON), &avoid); err != nil {
			return Prompt{}, fmt.Errorf("decode avoid topics: %w", err)
		}
	}

	prompt := Prompt{
		SuggestionID:    job.ID,
		RecipientUserID: job.UserID,
		TriggerType:     job.TriggerType,
		TriggerText:     job.TriggerText,
		Context:         contextMsgs,
		AvoidTopics:     avoid,
	}
	if w.index != nil {
		for _, msg := range w.index.Search(ctx, job.ChannelID, job.TriggerText, relatedMessages) {
			prompt.Related = append(prompt.Related, trigger.ContextMessage{
				UserID: msg.UserID, Text: msg.Text, TS: msg.TS,
			})
		}
	}
	return prompt, nil
}

// runSideEffects detaches the best-effort tail so its latency and failures
// never touch the delivered suggestion.
func (w *Worker) runSideEffects(job models.SuggestionJob) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				w.log.Warn("generation_side_effect_panic", "suggestion_id", job.ID, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if w.items != nil {
			w.items.Detect(ctx, job.WorkspaceID, job.UserID, job.ChannelID, job.MessageTS, job.TriggerText)
		}
		if w.alerts != nil {
			if score := escalation.ScoreSentiment(job.TriggerText); score <= escalation.ScanThreshold {
				w.alerts.TriggerAlert(ctx, job.WorkspaceID, job.ChannelID, score, job.TriggerText, w.cfg.AdminUserIDs)
			}
		}
	}()
}

func (w *Worker) finishJob(jobID, status string, errStr *string) {
	dbCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.db.WithContext(dbCtx).
		Model(&models.SuggestionJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"status": status,
			"error":  errStr,
		}).Error
	if err != nil {
		w.log.Warn("generation_finish_error", "suggestion_id", jobID, "error", err.Error())
	}
}

func errorType(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "generation_timeout"
	case errors.Is(ctx.Err(), context.Canceled):
		return "canceled"
	default:
		return "generation_failed"
	}
}

func truncatePtr(s string) *string {
	if len(s) > maxErrorChars {
		s = s[:maxErrorChars]
	}
	return &s
}
