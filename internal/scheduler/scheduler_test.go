package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"notetaker/internal/botprovider"
	"notetaker/internal/lifecycle"
	"notetaker/internal/metrics"
	"notetaker/internal/repo"
)

type fakeRepo struct {
	repo.Repository

	meeting         *repo.Meeting
	settingsEnsured bool
}

func (f *fakeRepo) GetMeetingByID(ctx context.Context, id string) (*repo.Meeting, error) {
	if f.meeting == nil || f.meeting.ID != id {
		return nil, repo.ErrNotFound
	}
	copied := *f.meeting
	return &copied, nil
}

func (f *fakeRepo) EnsureBotSettings(ctx context.Context, userID string) (*repo.BotSettings, error) {
	f.settingsEnsured = true
	return &repo.BotSettings{UserID: userID, BotName: "Notetaker", RecordingMode: "speaker_view", AutoJoin: true}, nil
}

func (f *fakeRepo) AssignBot(ctx context.Context, meetingID, botID string) (bool, error) {
	if f.meeting.Status != lifecycle.StatusScheduled {
		return false, nil
	}
	f.meeting.BotID = &botID
	f.meeting.Status = lifecycle.StatusJoining
	return true, nil
}

func (f *fakeRepo) SetBotExcluded(ctx context.Context, meetingID string, excluded bool) error {
	f.meeting.BotExcluded = excluded
	return nil
}

func (f *fakeRepo) TransitionStatus(ctx context.Context, meetingID string, from []lifecycle.Status, to lifecycle.Status) (bool, error) {
	for _, s := range from {
		if f.meeting.Status == s {
			f.meeting.Status = to
			return true, nil
		}
	}
	return false, nil
}

type fakeProvider struct {
	deployErr     error
	deployedCount int
	deletedBots   []string
	deleteErr     error
}

func (p *fakeProvider) DeployBot(ctx context.Context, meetingURL string, settings botprovider.Settings) (string, error) {
	if p.deployErr != nil {
		return "", p.deployErr
	}
	p.deployedCount++
	return "bot-xyz", nil
}

func (p *fakeProvider) DeleteBot(ctx context.Context, botID string) error {
	p.deletedBots = append(p.deletedBots, botID)
	return p.deleteErr
}

func newScheduler(r repo.Repository, p BotDeployer) *Scheduler {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return New(r, p, logger, metrics.Registry("test"))
}

func scheduledMeeting() *repo.Meeting {
	return &repo.Meeting{
		ID:             "m4",
		UserID:         "u1",
		MeetingURL:     "https://meet.google.com/abc-defg-hij",
		Status:         lifecycle.StatusScheduled,
		ScheduledStart: time.Now().Add(5 * time.Minute),
	}
}

func TestScheduleBotDeploys(t *testing.T) {
	r := &fakeRepo{meeting: scheduledMeeting()}
	p := &fakeProvider{}
	s := newScheduler(r, p)

	if err := s.ScheduleBot(context.Background(), "m4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.settingsEnsured {
		t.Fatal("default bot settings must be ensured before deploy")
	}
	if r.meeting.Status != lifecycle.StatusJoining {
		t.Fatalf("expected JOINING, got %s", r.meeting.Status)
	}
	if r.meeting.BotID == nil || *r.meeting.BotID != "bot-xyz" {
		t.Fatalf("bot id not assigned: %v", r.meeting.BotID)
	}
}

func TestScheduleBotNoOpWhenAlreadyActive(t *testing.T) {
	for _, status := range []lifecycle.Status{lifecycle.StatusJoining, lifecycle.StatusInProgress} {
		m := scheduledMeeting()
		m.Status = status
		r := &fakeRepo{meeting: m}
		p := &fakeProvider{}
		s := newScheduler(r, p)

		if err := s.ScheduleBot(context.Background(), "m4"); err != nil {
			t.Fatalf("status %s: unexpected error: %v", status, err)
		}
		if p.deployedCount != 0 {
			t.Fatalf("status %s: deploy must not be called", status)
		}
	}
}

func TestScheduleBotDeployFailureLeavesStateClean(t *testing.T) {
	// M4 scenario: deploy throws, the meeting stays SCHEDULED with no bot id,
	// and a later attempt succeeds cleanly.
	r := &fakeRepo{meeting: scheduledMeeting()}
	p := &fakeProvider{deployErr: errors.New("provider unavailable")}
	s := newScheduler(r, p)

	if err := s.ScheduleBot(context.Background(), "m4"); err == nil {
		t.Fatal("expected deploy error")
	}
	if r.meeting.Status != lifecycle.StatusScheduled {
		t.Fatalf("expected SCHEDULED after failure, got %s", r.meeting.Status)
	}
	if r.meeting.BotID != nil {
		t.Fatalf("bot id must stay unset after failure, got %v", *r.meeting.BotID)
	}

	p.deployErr = nil
	if err := s.ScheduleBot(context.Background(), "m4"); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if r.meeting.Status != lifecycle.StatusJoining {
		t.Fatalf("expected JOINING after retry, got %s", r.meeting.Status)
	}
}

func TestScheduleBotRefusesExcluded(t *testing.T) {
	m := scheduledMeeting()
	m.BotExcluded = true
	r := &fakeRepo{meeting: m}
	p := &fakeProvider{}
	s := newScheduler(r, p)

	if err := s.ScheduleBot(context.Background(), "m4"); !errors.Is(err, ErrBotExcluded) {
		t.Fatalf("expected ErrBotExcluded, got %v", err)
	}
	if p.deployedCount != 0 {
		t.Fatal("deploy must not be attempted for excluded meeting")
	}
}

func TestExcludeBotCancelsAndDeletes(t *testing.T) {
	m := scheduledMeeting()
	bot := "bot-1"
	m.BotID = &bot
	r := &fakeRepo{meeting: m}
	p := &fakeProvider{}
	s := newScheduler(r, p)

	if err := s.ExcludeBot(context.Background(), "m4"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.meeting.Status != lifecycle.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", r.meeting.Status)
	}
	if !r.meeting.BotExcluded {
		t.Fatal("excluded flag not set")
	}
	if len(p.deletedBots) != 1 || p.deletedBots[0] != "bot-1" {
		t.Fatalf("expected best-effort delete of bot-1, got %v", p.deletedBots)
	}
}

func TestExcludeBotDeleteFailureDoesNotBlock(t *testing.T) {
	m := scheduledMeeting()
	bot := "bot-1"
	m.BotID = &bot
	r := &fakeRepo{meeting: m}
	p := &fakeProvider{deleteErr: errors.New("provider down")}
	s := newScheduler(r, p)

	if err := s.ExcludeBot(context.Background(), "m4"); err != nil {
		t.Fatalf("cancellation failure must not block local state change: %v", err)
	}
	if r.meeting.Status != lifecycle.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", r.meeting.Status)
	}
}

func TestReEnableBot(t *testing.T) {
	m := scheduledMeeting()
	m.Status = lifecycle.StatusCancelled
	m.BotExcluded = true
	r := &fakeRepo{meeting: m}
	s := newScheduler(r, &fakeProvider{})

	if err := s.ReEnableBot(context.Background(), "m4", time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.meeting.Status != lifecycle.StatusScheduled {
		t.Fatalf("expected SCHEDULED, got %s", r.meeting.Status)
	}
	if r.meeting.BotExcluded {
		t.Fatal("excluded flag not cleared")
	}
}

func TestReEnableBotRefusedAfterStart(t *testing.T) {
	m := scheduledMeeting()
	m.Status = lifecycle.StatusCancelled
	m.ScheduledStart = time.Now().Add(-time.Hour)
	r := &fakeRepo{meeting: m}
	s := newScheduler(r, &fakeProvider{})

	if err := s.ReEnableBot(context.Background(), "m4", time.Now()); !errors.Is(err, ErrMeetingStarted) {
		t.Fatalf("expected ErrMeetingStarted, got %v", err)
	}
	if r.meeting.Status != lifecycle.StatusCancelled {
		t.Fatalf("status must stay CANCELLED, got %s", r.meeting.Status)
	}
}
