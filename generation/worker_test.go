package generation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/draftpilot/draftpilot/actionable"
	"github.com/draftpilot/draftpilot/db"
	"github.com/draftpilot/draftpilot/db/models"
	"github.com/draftpilot/draftpilot/guardrail"
	"github.com/draftpilot/draftpilot/metrics"
	"github.com/draftpilot/draftpilot/trigger"
	"github.com/draftpilot/draftpilot/usage"
)

type scriptedGenerator struct {
	mu      sync.Mutex
	texts   []string
	err     error
	prompts []Prompt
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt Prompt) (Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return Result{}, g.err
	}
	text := "looks good to me"
	if len(g.texts) > 0 {
		text = g.texts[0]
		if len(g.texts) > 1 {
			g.texts = g.texts[1:]
		}
	}
	return Result{Text: text, ProcessingMs: 5, InputTokens: 100, OutputTokens: 20}, nil
}

type captureDeliverer struct {
	mu         sync.Mutex
	deliveries []Delivery
	err        error
}

func (d *captureDeliverer) Deliver(_ context.Context, del Delivery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.deliveries = append(d.deliveries, del)
	return nil
}

type workerFixture struct {
	worker    *Worker
	gdb       *gorm.DB
	generator *scriptedGenerator
	deliverer *captureDeliverer
	recorder  *metrics.Recorder
	orgID     string
	wsID      string
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	gdb := db.OpenForTest(t)

	ws := models.Workspace{SlackTeamID: "T1", OrgID: "org1", BillingEmail: "owner@example.com", Plan: "free"}
	if err := gdb.Create(&ws).Error; err != nil {
		t.Fatalf("seed workspace: %v", err)
	}

	guard, err := guardrail.NewEnforcer(gdb, nil)
	if err != nil {
		t.Fatalf("NewEnforcer: %v", err)
	}
	recorder, err := metrics.NewRecorder(gdb, nil)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	enforcer, err := usage.NewEnforcer(gdb, nil)
	if err != nil {
		t.Fatalf("usage.NewEnforcer: %v", err)
	}
	detector, err := actionable.NewDetector(gdb, nil)
	if err != nil {
		t.Fatalf("NewDetector: %v", err)
	}

	generator := &scriptedGenerator{}
	deliverer := &captureDeliverer{}
	worker, err := NewWorker(gdb, generator, guard, deliverer, recorder, enforcer, detector, nil, nil, DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return &workerFixture{
		worker:    worker,
		gdb:       gdb,
		generator: generator,
		deliverer: deliverer,
		recorder:  recorder,
		orgID:     ws.OrgID,
		wsID:      ws.ID,
	}
}

func (f *workerFixture) enqueue(t *testing.T, suggestionID string) models.SuggestionJob {
	t.Helper()
	req := trigger.Request{
		SuggestionID: suggestionID,
		WorkspaceID:  f.wsID,
		OrgID:        f.orgID,
		UserID:       "U1",
		ChannelID:    "C1",
		MessageTS:    "100.1",
		TriggerType:  trigger.TypeThread,
		TriggerText:  "any updates on the rollout?",
		Context:      []trigger.ContextMessage{{UserID: "U2", Text: "rolling out now", TS: "99.9"}},
	}
	if err := f.worker.Enqueue(context.Background(), req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	var job models.SuggestionJob
	if err := f.gdb.Where("id = ?", suggestionID).First(&job).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	return job
}

func (f *workerFixture) jobStatus(t *testing.T, suggestionID string) string {
	t.Helper()
	var job models.SuggestionJob
	if err := f.gdb.Where("id = ?", suggestionID).First(&job).Error; err != nil {
		t.Fatalf("load job: %v", err)
	}
	return job.Status
}

func TestWorker_ExecuteJob_DeliversAndRecords(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	ctx := context.Background()

	job := f.enqueue(t, "sug_1")
	f.worker.executeJob(ctx, 1, job)
	f.worker.Wait()

	if got := f.jobStatus(t, "sug_1"); got != models.SuggestionStatusDelivered {
		t.Fatalf("status = %s, want delivered", got)
	}
	if len(f.deliverer.deliveries) != 1 {
		t.Fatalf("deliveries = %d, want 1", len(f.deliverer.deliveries))
	}
	if f.deliverer.deliveries[0].Text != "looks good to me" {
		t.Fatalf("delivered text = %q", f.deliverer.deliveries[0].Text)
	}

	row, ok := f.recorder.Read(ctx, "sug_1")
	if !ok {
		t.Fatalf("metrics row missing")
	}
	if row.AIStartedAt == nil || row.AICompletedAt == nil || row.DeliveredAt == nil {
		t.Fatalf("stage stamps missing: %+v", row)
	}

	var record models.UsageRecord
	if err := f.gdb.Where("email = ?", "owner@example.com").First(&record).Error; err != nil {
		t.Fatalf("load usage record: %v", err)
	}
	if record.SuggestionsUsed != 1 {
		t.Fatalf("suggestions_used = %d, want 1", record.SuggestionsUsed)
	}
}

func TestWorker_ExecuteJob_HardBlockSkipsDelivery(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	ctx := context.Background()

	cfg := models.GuardrailConfig{OrgID: f.orgID, EnabledCategoriesJSON: `["financial"]`, TriggerMode: guardrail.ModeHardBlock}
	if err := f.gdb.Create(&cfg).Error; err != nil {
		t.Fatalf("seed guardrail config: %v", err)
	}
	f.generator.texts = []string{"we will refund you immediately"}

	job := f.enqueue(t, "sug_1")
	f.worker.executeJob(ctx, 1, job)
	f.worker.Wait()

	if got := f.jobStatus(t, "sug_1"); got != models.SuggestionStatusBlocked {
		t.Fatalf("status = %s, want blocked", got)
	}
	if len(f.deliverer.deliveries) != 0 {
		t.Fatalf("blocked suggestion was delivered")
	}
}

func TestWorker_ExecuteJob_RegeneratesOnce(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	ctx := context.Background()

	cfg := models.GuardrailConfig{OrgID: f.orgID, EnabledCategoriesJSON: `["financial"]`, TriggerMode: guardrail.ModeRegenerate}
	if err := f.gdb.Create(&cfg).Error; err != nil {
		t.Fatalf("seed guardrail config: %v", err)
	}
	f.generator.texts = []string{"we can refund you", "let me check with the team first"}

	job := f.enqueue(t, "sug_1")
	f.worker.executeJob(ctx, 1, job)
	f.worker.Wait()

	if got := f.jobStatus(t, "sug_1"); got != models.SuggestionStatusDelivered {
		t.Fatalf("status = %s, want delivered after regeneration", got)
	}
	if len(f.generator.prompts) != 2 {
		t.Fatalf("generator calls = %d, want 2", len(f.generator.prompts))
	}
	if len(f.generator.prompts[1].AvoidTopics) != 1 || f.generator.prompts[1].AvoidTopics[0] != "financial" {
		t.Fatalf("second prompt avoid topics = %v, want [financial]", f.generator.prompts[1].AvoidTopics)
	}
	if len(f.deliverer.deliveries) != 1 || f.deliverer.deliveries[0].Text != "let me check with the team first" {
		t.Fatalf("unexpected deliveries: %+v", f.deliverer.deliveries)
	}
}

func TestWorker_ExecuteJob_SecondViolationBlocks(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	ctx := context.Background()

	cfg := models.GuardrailConfig{OrgID: f.orgID, EnabledCategoriesJSON: `["financial"]`, TriggerMode: guardrail.ModeRegenerate}
	if err := f.gdb.Create(&cfg).Error; err != nil {
		t.Fatalf("seed guardrail config: %v", err)
	}
	f.generator.texts = []string{"we can refund you", "a refund is guaranteed"}

	job := f.enqueue(t, "sug_1")
	f.worker.executeJob(ctx, 1, job)
	f.worker.Wait()

	if got := f.jobStatus(t, "sug_1"); got != models.SuggestionStatusBlocked {
		t.Fatalf("status = %s, want blocked after second violation", got)
	}
	if len(f.generator.prompts) != 2 {
		t.Fatalf("generator calls = %d, want exactly 2", len(f.generator.prompts))
	}
	if len(f.deliverer.deliveries) != 0 {
		t.Fatalf("violating regeneration was delivered")
	}
}

func TestWorker_ExecuteJob_GenerationFailure(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.generator.err = fmt.Errorf("model unavailable")
	job := f.enqueue(t, "sug_1")
	f.worker.executeJob(ctx, 1, job)

	if got := f.jobStatus(t, "sug_1"); got != models.SuggestionStatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	row, ok := f.recorder.Read(ctx, "sug_1")
	if !ok || row.ErrorType == nil || *row.ErrorType != "generation_failed" {
		t.Fatalf("error_type not recorded: %+v", row)
	}
}

func TestWorker_RecoverOrphanedJobs(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.enqueue(t, "sug_running")
	f.enqueue(t, "sug_queued")
	if err := f.gdb.Model(&models.SuggestionJob{}).
		Where("id = ?", "sug_running").
		Update("status", models.SuggestionStatusRunning).Error; err != nil {
		t.Fatalf("mark running: %v", err)
	}

	if err := f.worker.recoverOrphanedJobs(ctx); err != nil {
		t.Fatalf("recoverOrphanedJobs: %v", err)
	}

	if got := f.jobStatus(t, "sug_running"); got != models.SuggestionStatusFailed {
		t.Fatalf("orphaned job status = %s, want failed", got)
	}
	if got := f.jobStatus(t, "sug_queued"); got != models.SuggestionStatusQueued {
		t.Fatalf("queued job status = %s, want untouched queued", got)
	}
}

func TestWorker_ClaimNextQueuedJob(t *testing.T) {
	t.Parallel()
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.enqueue(t, "sug_1")
	time.Sleep(1100 * time.Millisecond)
	f.enqueue(t, "sug_2")

	job, ok, err := f.worker.claimNextQueuedJob(ctx)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !ok || job.ID != "sug_1" {
		t.Fatalf("claimed %+v, want oldest sug_1", job)
	}
	if job.Status != models.SuggestionStatusRunning {
		t.Fatalf("claimed status = %s, want running", job.Status)
	}

	// The claimed job is invisible to the next claim.
	next, ok2, err := f.worker.claimNextQueuedJob(ctx)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if !ok2 || next.ID != "sug_2" {
		t.Fatalf("second claim = %+v, want sug_2", next)
	}
}
