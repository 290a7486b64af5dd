package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"notetaker/internal/botprovider"
	"notetaker/internal/lifecycle"
	"notetaker/internal/metrics"
	"notetaker/internal/repo"
)

// StatusFetcher is the slice of the provider client the poller needs.
type StatusFetcher interface {
	GetStatus(ctx context.Context, botID string) (*botprovider.StatusResult, error)
}

// Config tunes the reconciliation sweep.
type Config struct {
	Interval time.Duration
	Grace    time.Duration
	Batch    int
}

// Poller periodically re-derives authoritative meeting state from the
// provider, covering for lost webhooks. Webhooks are best-effort; this is
// the correctness backstop.
type Poller struct {
	repository repo.Repository
	provider   StatusFetcher
	sink       botprovider.SignalSink
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cfg        Config
}

// New creates a poller feeding the same signal sink as the webhook path.
func New(repository repo.Repository, provider StatusFetcher, sink botprovider.SignalSink, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 3 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 10 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	return &Poller{
		repository: repository,
		provider:   provider,
		sink:       sink,
		logger:     logger.With("component", "poller"),
		metrics:    metricRegistry,
		cfg:        cfg,
	}
}

// Run ticks until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("reconciliation poller started", "interval", p.cfg.Interval, "grace", p.cfg.Grace)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("reconciliation poller stopped")
			return
		case <-ticker.C:
			if err := p.SweepOnce(ctx); err != nil {
				p.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce reconciles every meeting stuck in a non-terminal state past the
// grace window. Idempotent to re-invocation at any time, so the external
// cron trigger can call it too.
func (p *Poller) SweepOnce(ctx context.Context) error {
	cutoff := time.Now().Add(-p.cfg.Grace)
	stuck, err := p.repository.ListStuckMeetings(ctx,
		[]lifecycle.Status{lifecycle.StatusJoining, lifecycle.StatusInProgress}, cutoff, p.cfg.Batch)
	if err != nil {
		p.metrics.PollerSweeps.WithLabelValues("error").Inc()
		return err
	}

	for _, meeting := range stuck {
		if err := p.reconcile(ctx, meeting); err != nil {
			// Fetch errors are not retried within the sweep; the next tick
			// is the retry.
			p.logger.Warn("reconcile failed", "error", err, "meeting_id", meeting.ID)
			p.metrics.Errors.WithLabelValues("poller_reconcile").Inc()
		}
	}
	p.metrics.PollerSweeps.WithLabelValues("ok").Inc()
	if len(stuck) > 0 {
		p.logger.Info("sweep reconciled stuck meetings", "count", len(stuck))
	}
	return nil
}

// ReconcileMeeting reconciles a single meeting on demand (the manual
// "refresh status" action).
func (p *Poller) ReconcileMeeting(ctx context.Context, meetingID string) error {
	meeting, err := p.repository.GetMeetingByID(ctx, meetingID)
	if err != nil {
		return err
	}
	return p.reconcile(ctx, *meeting)
}

func (p *Poller) reconcile(ctx context.Context, meeting repo.Meeting) error {
	if meeting.BotID == nil {
		return nil
	}

	status, err := p.provider.GetStatus(ctx, *meeting.BotID)
	if err != nil {
		if errors.Is(err, botprovider.ErrBotNotFound) {
			// The provider has no record of the bot past the grace window:
			// the meeting can never progress on its own.
			return p.sink.ApplySignal(ctx, botprovider.Signal{
				BotID:       *meeting.BotID,
				RawStatus:   "fatal",
				ErrorReason: "no provider record for bot",
				Origin:      botprovider.OriginPoll,
				ReceivedAt:  time.Now(),
			})
		}
		return err
	}

	return p.sink.ApplySignal(ctx, botprovider.Signal{
		BotID:            *meeting.BotID,
		RawStatus:        status.Status,
		Transcript:       status.Transcript,
		ParticipantCount: status.ParticipantCount,
		ErrorReason:      status.ErrorReason,
		Origin:           botprovider.OriginPoll,
		ReceivedAt:       time.Now(),
	})
}
