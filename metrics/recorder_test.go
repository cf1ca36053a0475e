package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/draftpilot/draftpilot/db"
)

// fakeClock steps forward a fixed amount on every read so derived
// durations are deterministic.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	current := c.now
	c.now = c.now.Add(c.step)
	return current
}

func newTestRecorder(t *testing.T, clock *fakeClock) *Recorder {
	t.Helper()
	recorder, err := NewRecorder(db.OpenForTest(t), nil, WithNow(clock.Now))
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}
	return recorder
}

func TestRecorder_FullLifecycleDerivesDurations(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC), step: time.Second}
	recorder := newTestRecorder(t, clock)
	ctx := context.Background()

	recorder.RecordEventReceived(ctx, "sug_1", "ws1", "U1", "C1", "thread")
	recorder.RecordJobQueued(ctx, "sug_1")
	recorder.RecordAIStarted(ctx, "sug_1")
	recorder.RecordAICompleted(ctx, "sug_1")
	recorder.RecordDelivered(ctx, "sug_1")

	row, ok := recorder.Read(ctx, "sug_1")
	if !ok {
		t.Fatalf("row not found")
	}
	if row.AIProcessingMs == nil || *row.AIProcessingMs != 1000 {
		t.Fatalf("ai_processing_ms = %v, want 1000", row.AIProcessingMs)
	}
	if row.QueueDelayMs == nil || *row.QueueDelayMs != 1000 {
		t.Fatalf("queue_delay_ms = %v, want 1000", row.QueueDelayMs)
	}
	if row.TotalDurationMs == nil || *row.TotalDurationMs != 4000 {
		t.Fatalf("total_duration_ms = %v, want 4000", row.TotalDurationMs)
	}
	if row.TriggerType != "thread" {
		t.Fatalf("trigger_type = %q, want thread", row.TriggerType)
	}
}

func TestRecorder_SkippedStageLeavesDerivedAbsent(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC), step: time.Second}
	recorder := newTestRecorder(t, clock)
	ctx := context.Background()

	recorder.RecordEventReceived(ctx, "sug_1", "ws1", "U1", "C1", "dm")
	recorder.RecordAIStarted(ctx, "sug_1")
	// ai_completed never arrives.
	recorder.RecordDelivered(ctx, "sug_1")

	row, ok := recorder.Read(ctx, "sug_1")
	if !ok {
		t.Fatalf("row not found")
	}
	if row.AIProcessingMs != nil {
		t.Fatalf("ai_processing_ms = %v, want absent", *row.AIProcessingMs)
	}
	if row.AICompletedAt != nil {
		t.Fatalf("ai_completed_at = %v, want absent", *row.AICompletedAt)
	}
	if row.TotalDurationMs == nil || *row.TotalDurationMs != 2000 {
		t.Fatalf("total_duration_ms = %v, want 2000", row.TotalDurationMs)
	}
}

func TestRecorder_OutOfOrderArrivalNeverClobbers(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC), step: time.Second}
	recorder := newTestRecorder(t, clock)
	ctx := context.Background()

	// Delivery lands before the event-received stamp ever arrives.
	recorder.RecordDelivered(ctx, "sug_1")
	recorder.RecordAICompleted(ctx, "sug_1")
	recorder.RecordEventReceived(ctx, "sug_1", "ws1", "U1", "C1", "dm")

	row, ok := recorder.Read(ctx, "sug_1")
	if !ok {
		t.Fatalf("row not found")
	}
	if row.DeliveredAt == nil {
		t.Fatalf("delivered_at lost by later upsert")
	}
	if row.AICompletedAt == nil {
		t.Fatalf("ai_completed_at lost by later upsert")
	}
	if row.EventReceivedAt == nil {
		t.Fatalf("event_received_at missing")
	}
	// Derived fields stay absent: prerequisites were missing at write time.
	if row.TotalDurationMs != nil {
		t.Fatalf("total_duration_ms = %v, want absent", *row.TotalDurationMs)
	}
	if row.AIProcessingMs != nil {
		t.Fatalf("ai_processing_ms = %v, want absent", *row.AIProcessingMs)
	}
}

func TestRecorder_UserActionAndError(t *testing.T) {
	t.Parallel()
	clock := &fakeClock{now: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC), step: time.Second}
	recorder := newTestRecorder(t, clock)
	ctx := context.Background()

	recorder.RecordEventReceived(ctx, "sug_1", "ws1", "U1", "C1", "dm")
	recorder.RecordUserAction(ctx, "sug_1", "accepted")
	recorder.RecordError(ctx, "sug_1", "delivery_failed")

	row, ok := recorder.Read(ctx, "sug_1")
	if !ok {
		t.Fatalf("row not found")
	}
	if row.UserAction == nil || *row.UserAction != "accepted" {
		t.Fatalf("user_action = %v, want accepted", row.UserAction)
	}
	if row.UserActionAt == nil {
		t.Fatalf("user_action_at missing")
	}
	if row.ErrorType == nil || *row.ErrorType != "delivery_failed" {
		t.Fatalf("error_type = %v, want delivery_failed", row.ErrorType)
	}
	if row.EventReceivedAt == nil {
		t.Fatalf("event_received_at lost by action upserts")
	}
}
