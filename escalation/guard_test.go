package escalation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/draftpilot/draftpilot/db"
	"github.com/draftpilot/draftpilot/db/models"
)

type recordingNotifier struct {
	notified []string
	failFor  map[string]bool
}

func (n *recordingNotifier) NotifyAdmin(_ context.Context, adminUserID string, _ models.EscalationAlert) error {
	if n.failFor[adminUserID] {
		return fmt.Errorf("admin %s unreachable", adminUserID)
	}
	n.notified = append(n.notified, adminUserID)
	return nil
}

func newTestGuard(t *testing.T, notifier AdminNotifier, now *time.Time) *Guard {
	t.Helper()
	guard, err := NewGuard(db.OpenForTest(t), notifier, nil, WithNow(func() time.Time { return *now }))
	if err != nil {
		t.Fatalf("NewGuard: %v", err)
	}
	return guard
}

func TestTriggerAlert_CooldownReusesOpenAlert(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	guard := newTestGuard(t, nil, &now)
	ctx := context.Background()

	first := guard.TriggerAlert(ctx, "ws1", "C1", -0.9, "customer threatening to cancel", nil)
	if first == "" {
		t.Fatalf("first alert not created")
	}

	now = now.Add(10 * time.Minute)
	second := guard.TriggerAlert(ctx, "ws1", "C1", -0.9, "still furious", nil)
	if second != first {
		t.Fatalf("10min apart: got new id %s, want reused %s", second, first)
	}

	now = now.Add(5 * time.Hour)
	third := guard.TriggerAlert(ctx, "ws1", "C1", -0.9, "again", nil)
	if third == "" || third == first {
		t.Fatalf("5h later: got %s, want a fresh alert id", third)
	}
}

func TestTriggerAlert_DifferentChannelsDoNotShareCooldown(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	guard := newTestGuard(t, nil, &now)
	ctx := context.Background()

	a := guard.TriggerAlert(ctx, "ws1", "C1", -0.9, "one", nil)
	b := guard.TriggerAlert(ctx, "ws1", "C2", -0.9, "two", nil)
	if a == "" || b == "" || a == b {
		t.Fatalf("channels must alert independently: %s vs %s", a, b)
	}
}

func TestTriggerAlert_ResolvedAlertDoesNotCooldown(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	guard := newTestGuard(t, nil, &now)
	ctx := context.Background()

	first := guard.TriggerAlert(ctx, "ws1", "C1", -0.9, "one", nil)
	if err := guard.Resolve(ctx, first); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	now = now.Add(time.Minute)
	second := guard.TriggerAlert(ctx, "ws1", "C1", -0.9, "two", nil)
	if second == "" || second == first {
		t.Fatalf("resolved alert must not suppress a new one")
	}
}

func TestTriggerAlert_OneUnreachableAdminDoesNotStopOthers(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC)
	notifier := &recordingNotifier{failFor: map[string]bool{"A2": true}}
	guard := newTestGuard(t, notifier, &now)

	id := guard.TriggerAlert(context.Background(), "ws1", "C1", -0.9, "bad", []string{"A1", "A2", "A3"})
	if id == "" {
		t.Fatalf("alert not created")
	}
	if len(notifier.notified) != 2 || notifier.notified[0] != "A1" || notifier.notified[1] != "A3" {
		t.Fatalf("notified = %v, want [A1 A3]", notifier.notified)
	}
}

func TestSeverityFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		score float64
		want  string
	}{
		{-0.95, SeverityCritical},
		{-0.8, SeverityCritical},
		{-0.6, SeverityHigh},
		{-0.2, SeverityMedium},
	}
	for _, tc := range cases {
		if got := severityFor(tc.score); got != tc.want {
			t.Fatalf("severityFor(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestScoreSentiment(t *testing.T) {
	t.Parallel()
	hostile := ScoreSentiment("this is unacceptable, my lawyer will sue")
	if hostile > ScanThreshold {
		t.Fatalf("hostile score = %v, want <= %v", hostile, ScanThreshold)
	}
	neutral := ScoreSentiment("thanks, shipping the fix tomorrow")
	if neutral != 0 {
		t.Fatalf("neutral score = %v, want 0", neutral)
	}
}
