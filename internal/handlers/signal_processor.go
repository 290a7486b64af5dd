package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"notetaker/internal/botprovider"
	"notetaker/internal/lifecycle"
	"notetaker/internal/metrics"
	"notetaker/internal/repo"
)

// InsightGenerator produces insight artifacts from a transcript.
type InsightGenerator interface {
	Generate(ctx context.Context, meetingID, transcript string) error
}

// SignalProcessor applies provider signals to meeting state. The webhook
// ingestor and the reconciliation poller both feed it, so transitions stay
// consistent regardless of signal origin.
type SignalProcessor struct {
	repository repo.Repository
	generator  InsightGenerator
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewSignalProcessor creates the shared signal processor.
func NewSignalProcessor(repository repo.Repository, generator InsightGenerator, logger *slog.Logger, metricRegistry *metrics.Metrics) *SignalProcessor {
	return &SignalProcessor{
		repository: repository,
		generator:  generator,
		logger:     logger.With("component", "signal_processor"),
		metrics:    metricRegistry,
	}
}

// ApplySignal resolves the meeting by bot id and applies the state-machine
// transition. Stale and duplicate signals are dropped, not errors. On
// reaching PROCESSING with a transcript present, the transcript is persisted
// and insight generation is dispatched asynchronously.
func (p *SignalProcessor) ApplySignal(ctx context.Context, sig botprovider.Signal) error {
	target := lifecycle.FromProviderStatus(sig.RawStatus)
	if target == "" {
		p.logger.Debug("ignoring unmapped provider status", "status", sig.RawStatus, "bot_id", sig.BotID, "origin", sig.Origin)
		return nil
	}

	meeting, err := p.repository.GetMeetingByBotID(ctx, sig.BotID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			p.logger.Warn("signal for unknown bot", "bot_id", sig.BotID, "origin", sig.Origin)
			return nil
		}
		return fmt.Errorf("resolve meeting for bot %s: %w", sig.BotID, err)
	}

	if sig.ParticipantCount > 0 && sig.ParticipantCount != meeting.ParticipantCount {
		if err := p.repository.SetParticipantCount(ctx, meeting.ID, sig.ParticipantCount); err != nil {
			p.logger.Warn("failed updating participant count", "error", err, "meeting_id", meeting.ID)
		}
	}

	applied, err := p.repository.TransitionStatus(ctx, meeting.ID, lifecycle.Predecessors(target), target)
	if err != nil {
		return fmt.Errorf("apply transition to %s: %w", target, err)
	}
	if !applied {
		p.logger.Debug("dropped stale or duplicate transition",
			"meeting_id", meeting.ID, "current", meeting.Status, "proposed", target, "origin", sig.Origin)
		p.metrics.Transitions.WithLabelValues(string(target), "dropped").Inc()
		if target == lifecycle.StatusProcessing && sig.Transcript != "" {
			return p.backfillTranscript(ctx, meeting.ID, sig.Transcript)
		}
		return nil
	}
	p.metrics.Transitions.WithLabelValues(string(target), "applied").Inc()
	p.logger.Info("meeting transitioned", "meeting_id", meeting.ID, "to", target, "origin", sig.Origin)

	switch target {
	case lifecycle.StatusProcessing:
		if sig.Transcript == "" {
			p.logger.Warn("meeting reached PROCESSING without transcript payload", "meeting_id", meeting.ID)
			return nil
		}
		if _, err := p.repository.ReplaceTranscript(ctx, meeting.ID, sig.Transcript); err != nil {
			return fmt.Errorf("persist transcript: %w", err)
		}
		p.dispatchGeneration(meeting.ID, sig.Transcript)
	case lifecycle.StatusFailed:
		p.logger.Error("meeting failed", "meeting_id", meeting.ID, "reason", sig.ErrorReason, "origin", sig.Origin)
	}
	return nil
}

// backfillTranscript handles split delivery of the processing-phase signals:
// providers report call_ended before media_ready, so the PROCESSING
// transition can be consumed by an earlier signal that carried no transcript.
// A late transcript for a meeting still sitting in PROCESSING without one is
// persisted and generation dispatched as if it had arrived with the
// transition.
func (p *SignalProcessor) backfillTranscript(ctx context.Context, meetingID, transcript string) error {
	current, err := p.repository.GetMeetingByID(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("reload meeting: %w", err)
	}
	if current.Status != lifecycle.StatusProcessing {
		return nil
	}
	if _, err := p.repository.GetTranscript(ctx, meetingID); err == nil {
		return nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return fmt.Errorf("check stored transcript: %w", err)
	}

	if _, err := p.repository.ReplaceTranscript(ctx, meetingID, transcript); err != nil {
		return fmt.Errorf("persist late transcript: %w", err)
	}
	p.logger.Info("late transcript persisted for processing meeting", "meeting_id", meetingID)
	p.dispatchGeneration(meetingID, transcript)
	return nil
}

// dispatchGeneration runs insight generation as a detached unit of work so a
// slow model call never blocks the webhook response.
func (p *SignalProcessor) dispatchGeneration(meetingID, transcript string) {
	if p.generator == nil {
		return
	}
	go func() {
		if err := p.generator.Generate(context.Background(), meetingID, transcript); err != nil {
			p.logger.Error("insight generation failed", "error", err, "meeting_id", meetingID)
			p.metrics.Errors.WithLabelValues("insight_generation").Inc()
		}
	}()
}
