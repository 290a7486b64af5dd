package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notetaker/internal/botprovider"
	"notetaker/internal/lifecycle"
	"notetaker/internal/metrics"
	"notetaker/internal/repo"
)

var (
	// ErrBotExcluded indicates the user has opted the meeting out of the bot.
	ErrBotExcluded = errors.New("meeting excluded from bot deployment")
	// ErrMeetingStarted indicates a re-enable came after the meeting began.
	ErrMeetingStarted = errors.New("meeting already started")
)

// BotDeployer is the slice of the provider client the scheduler needs.
type BotDeployer interface {
	DeployBot(ctx context.Context, meetingURL string, settings botprovider.Settings) (string, error)
	DeleteBot(ctx context.Context, botID string) error
}

// Scheduler decides whether and when to request bot deployment for meetings.
type Scheduler struct {
	repository repo.Repository
	provider   BotDeployer
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates a scheduler.
func New(repository repo.Repository, provider BotDeployer, logger *slog.Logger, metricRegistry *metrics.Metrics) *Scheduler {
	return &Scheduler{
		repository: repository,
		provider:   provider,
		logger:     logger.With("component", "scheduler"),
		metrics:    metricRegistry,
	}
}

// EnsureMeeting creates the meeting record for a calendar event, or returns
// the existing one. Both the calendar-sync and the manual-enable paths go
// through here, so a meeting is never duplicated for one event.
func (s *Scheduler) EnsureMeeting(ctx context.Context, m repo.NewMeeting) (*repo.Meeting, error) {
	if m.Platform == "" {
		m.Platform = lifecycle.PlatformFromURL(m.MeetingURL)
	}
	return s.repository.CreateMeeting(ctx, m)
}

// ScheduleBot issues a single deploy request for an eligible meeting and
// advances it to JOINING. Re-invocation on a meeting already JOINING or
// IN_PROGRESS is a no-op, checked before any external call. Deploy failures
// mutate nothing so a later retry re-attempts cleanly.
func (s *Scheduler) ScheduleBot(ctx context.Context, meetingID string) error {
	meeting, err := s.repository.GetMeetingByID(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("load meeting: %w", err)
	}

	switch meeting.Status {
	case lifecycle.StatusJoining, lifecycle.StatusInProgress:
		s.logger.Debug("bot already active, skipping deploy", "meeting_id", meetingID, "status", meeting.Status)
		return nil
	case lifecycle.StatusScheduled:
	default:
		return fmt.Errorf("meeting %s not schedulable in status %s", meetingID, meeting.Status)
	}

	if meeting.BotExcluded {
		return ErrBotExcluded
	}

	settings, err := s.repository.EnsureBotSettings(ctx, meeting.UserID)
	if err != nil {
		return fmt.Errorf("ensure bot settings: %w", err)
	}

	botID, err := s.provider.DeployBot(ctx, meeting.MeetingURL, toProviderSettings(settings))
	if err != nil {
		s.metrics.Errors.WithLabelValues("bot_deploy").Inc()
		return fmt.Errorf("deploy bot: %w", err)
	}

	applied, err := s.repository.AssignBot(ctx, meetingID, botID)
	if err != nil {
		return fmt.Errorf("assign bot: %w", err)
	}
	if !applied {
		// Lost a race with a concurrent deploy trigger; the other winner's
		// bot is the active one, so clean this one up best-effort.
		s.logger.Warn("concurrent deploy detected, deleting duplicate bot", "meeting_id", meetingID, "bot_id", botID)
		if err := s.provider.DeleteBot(ctx, botID); err != nil {
			s.logger.Warn("failed deleting duplicate bot", "error", err, "bot_id", botID)
		}
		return nil
	}

	s.logger.Info("bot deployed", "meeting_id", meetingID, "bot_id", botID)
	return nil
}

// ExcludeBot records the user opt-out and cancels the meeting while still
// SCHEDULED. Any already-requested bot is deleted best-effort; a provider
// failure there never blocks the local state change.
func (s *Scheduler) ExcludeBot(ctx context.Context, meetingID string) error {
	meeting, err := s.repository.GetMeetingByID(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("load meeting: %w", err)
	}

	if err := s.repository.SetBotExcluded(ctx, meetingID, true); err != nil {
		return fmt.Errorf("set excluded: %w", err)
	}

	applied, err := s.repository.TransitionStatus(ctx, meetingID,
		[]lifecycle.Status{lifecycle.StatusScheduled}, lifecycle.StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel meeting: %w", err)
	}
	if applied {
		s.metrics.Transitions.WithLabelValues(string(lifecycle.StatusCancelled), "applied").Inc()
	}

	if meeting.BotID != nil {
		if err := s.provider.DeleteBot(ctx, *meeting.BotID); err != nil {
			s.logger.Warn("best-effort bot cancellation failed", "error", err, "bot_id", *meeting.BotID)
			s.metrics.Errors.WithLabelValues("bot_delete").Inc()
		}
	}

	s.logger.Info("bot excluded", "meeting_id", meetingID, "cancelled", applied)
	return nil
}

// ReEnableBot clears the opt-out and returns a cancelled meeting to
// SCHEDULED, only while the meeting has not started yet.
func (s *Scheduler) ReEnableBot(ctx context.Context, meetingID string, now time.Time) error {
	meeting, err := s.repository.GetMeetingByID(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("load meeting: %w", err)
	}
	if !meeting.ScheduledStart.After(now) {
		return ErrMeetingStarted
	}

	if err := s.repository.SetBotExcluded(ctx, meetingID, false); err != nil {
		return fmt.Errorf("clear excluded: %w", err)
	}

	applied, err := s.repository.TransitionStatus(ctx, meetingID,
		[]lifecycle.Status{lifecycle.StatusCancelled}, lifecycle.StatusScheduled)
	if err != nil {
		return fmt.Errorf("re-enable meeting: %w", err)
	}
	if applied {
		s.metrics.Transitions.WithLabelValues(string(lifecycle.StatusScheduled), "applied").Inc()
		s.logger.Info("bot re-enabled", "meeting_id", meetingID)
	}
	return nil
}

func toProviderSettings(s *repo.BotSettings) botprovider.Settings {
	out := botprovider.Settings{
		BotName:       s.BotName,
		RecordingMode: s.RecordingMode,
	}
	if s.AvatarURL != nil {
		out.AvatarURL = *s.AvatarURL
	}
	if s.EntryMessage != nil {
		out.EntryMessage = *s.EntryMessage
	}
	return out
}
