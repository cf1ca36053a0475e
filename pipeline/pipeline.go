package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/draftpilot/draftpilot/contextsearch"
	"github.com/draftpilot/draftpilot/metrics"
	"github.com/draftpilot/draftpilot/slackapi"
	"github.com/draftpilot/draftpilot/trigger"
	"github.com/draftpilot/draftpilot/usage"
)

// Queue accepts classified suggestion requests for generation.
type Queue interface {
	Enqueue(ctx context.Context, req trigger.Request) error
}

// LimitNotifier tells a user their usage cap is hit or near. Denial is one
// of the two user-visible failure modes, so it gets a real notification.
type LimitNotifier interface {
	NotifyLimitReached(ctx context.Context, channelID, userID string, decision usage.Decision) error
	NotifyUsageWarning(ctx context.Context, channelID, userID string, decision usage.Decision) error
}

// Pipeline wires classification, usage gating, and job enqueueing for each
// inbound event. Recipients of one event are processed concurrently and
// independently.
type Pipeline struct {
	classifier *trigger.Classifier
	usage      *usage.Enforcer
	queue      Queue
	metrics    *metrics.Recorder
	index      *contextsearch.Index
	notifier   LimitNotifier
	log        *slog.Logger
}

func New(
	classifier *trigger.Classifier,
	enforcer *usage.Enforcer,
	queue Queue,
	recorder *metrics.Recorder,
	index *contextsearch.Index,
	notifier LimitNotifier,
	log *slog.Logger,
) (*Pipeline, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}
	if enforcer == nil {
		return nil, fmt.Errorf("usage enforcer is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("metrics recorder is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		classifier: classifier,
		usage:      enforcer,
		queue:      queue,
		metrics:    recorder,
		index:      index,
		notifier:   notifier,
		log:        log,
	}, nil
}

// HandleEvent runs one inbound event through classification and, per
// recipient, usage gating and enqueueing. Classification failure drops the
// event; it is not re-deliverable, so there is nothing to retry.
func (p *Pipeline) HandleEvent(ctx context.Context, ev slackapi.InboundEvent) {
	if ev.IsBotOrSubtype {
		return
	}

	if p.index != nil && ev.Text != "" {
		p.index.Add(ctx, ev.ChannelID, contextsearch.Message{
			UserID: ev.UserID, Text: ev.Text, TS: ev.MessageTS,
		})
	}

	requests, err := p.classifier.Classify(ctx, ev)
	if err != nil {
		p.log.Warn("pipeline_event_dropped",
			"team_id", ev.TeamID, "channel_id", ev.ChannelID, "message_ts", ev.MessageTS, "error", err)
		return
	}
	if len(requests) == 0 {
		return
	}

	// One recipient's failure must not affect another's suggestion.
	var g errgroup.Group
	for _, req := range requests {
		req := req
		g.Go(func() error {
			p.handleRequest(ctx, req)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) handleRequest(ctx context.Context, req trigger.Request) {
	p.metrics.RecordEventReceived(ctx, req.SuggestionID, req.WorkspaceID, req.UserID, req.ChannelID, req.TriggerType)

	decision := p.usage.CheckUsageAllowed(ctx, req.WorkspaceID, req.UserID)
	if !decision.Allowed {
		p.log.Info("pipeline_usage_denied",
			"suggestion_id", req.SuggestionID, "user_id", req.UserID,
			"reason", decision.Reason, "used", decision.CurrentUsage, "limit", decision.Limit)
		p.metrics.RecordError(ctx, req.SuggestionID, "usage_denied")
		if p.notifier != nil {
			if err := p.notifier.NotifyLimitReached(ctx, req.ChannelID, req.UserID, decision); err != nil {
				p.log.Warn("pipeline_limit_notify_error", "user_id", req.UserID, "error", err)
			}
		}
		return
	}
	if decision.WarningLevel != usage.WarningNone && p.notifier != nil {
		if err := p.notifier.NotifyUsageWarning(ctx, req.ChannelID, req.UserID, decision); err != nil {
			p.log.Warn("pipeline_warning_notify_error", "user_id", req.UserID, "error", err)
		}
	}

	if err := p.queue.Enqueue(ctx, req); err != nil {
		p.log.Warn("pipeline_enqueue_error", "suggestion_id", req.SuggestionID, "error", err)
		p.metrics.RecordError(ctx, req.SuggestionID, "enqueue_failed")
		return
	}
	p.metrics.RecordJobQueued(ctx, req.SuggestionID)
}

// RecordUserAction is the entry point behind the interaction listener.
func (p *Pipeline) RecordUserAction(ctx context.Context, suggestionID, action string) {
	p.metrics.RecordUserAction(ctx, suggestionID, action)
}
