package poller

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

	stuck []repo.Meeting
}

func (f *fakeRepo) ListStuckMeetings(ctx context.Context, statuses []lifecycle.Status, startedBefore time.Time, limit int) ([]repo.Meeting, error) {
	return f.stuck, nil
}

type fakeFetcher struct {
	results map[string]*botprovider.StatusResult
	err     error
}

func (f *fakeFetcher) GetStatus(ctx context.Context, botID string) (*botprovider.StatusResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	res, ok := f.results[botID]
	if !ok {
		return nil, botprovider.ErrBotNotFound
	}
	return res, nil
}

type captureSink struct {
	signals []botprovider.Signal
}

func (s *captureSink) ApplySignal(ctx context.Context, sig botprovider.Signal) error {
	s.signals = append(s.signals, sig)
	return nil
}

func newPoller(r repo.Repository, f StatusFetcher, sink botprovider.SignalSink) *Poller {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return New(r, f, sink, logger, metrics.Registry("test"), Config{Interval: time.Minute, Grace: 10 * time.Minute, Batch: 10})
}

func stuckMeeting(id, bot string, status lifecycle.Status) repo.Meeting {
	return repo.Meeting{
		ID:             id,
		BotID:          &bot,
		Status:         status,
		ScheduledStart: time.Now().Add(-time.Hour),
	}
}

func TestSweepOnceFeedsAuthoritativeStatus(t *testing.T) {
	// M1 scenario: meeting stuck in JOINING, provider reports the bot is
	// recording; the poll signal proposes IN_PROGRESS through the shared sink.
	r := &fakeRepo{stuck: []repo.Meeting{stuckMeeting("m1", "bot-1", lifecycle.StatusJoining)}}
	f := &fakeFetcher{results: map[string]*botprovider.StatusResult{
		"bot-1": {BotID: "bot-1", Status: "in_call_recording", ParticipantCount: 3},
	}}
	sink := &captureSink{}

	if err := newPoller(r, f, sink).SweepOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(sink.signals))
	}
	sig := sink.signals[0]
	if sig.RawStatus != "in_call_recording" || sig.Origin != botprovider.OriginPoll {
		t.Fatalf("unexpected signal: %+v", sig)
	}
}

func TestSweepOnceBotNotFoundSignalsFatal(t *testing.T) {
	r := &fakeRepo{stuck: []repo.Meeting{stuckMeeting("m1", "bot-gone", lifecycle.StatusJoining)}}
	f := &fakeFetcher{results: map[string]*botprovider.StatusResult{}}
	sink := &captureSink{}

	if err := newPoller(r, f, sink).SweepOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(sink.signals))
	}
	if sink.signals[0].RawStatus != "fatal" {
		t.Fatalf("expected fatal signal, got %s", sink.signals[0].RawStatus)
	}
}

func TestSweepOnceFetchErrorLeavesStateAlone(t *testing.T) {
	// Transient provider failure: no signal, next tick retries.
	r := &fakeRepo{stuck: []repo.Meeting{stuckMeeting("m1", "bot-1", lifecycle.StatusInProgress)}}
	f := &fakeFetcher{err: errors.New("timeout")}
	sink := &captureSink{}

	if err := newPoller(r, f, sink).SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep must not fail on per-meeting fetch errors: %v", err)
	}
	if len(sink.signals) != 0 {
		t.Fatal("no signal must be emitted on fetch error")
	}
}

func TestSweepOnceCoversMultipleMeetings(t *testing.T) {
	r := &fakeRepo{stuck: []repo.Meeting{
		stuckMeeting("m1", "bot-1", lifecycle.StatusJoining),
		stuckMeeting("m2", "bot-2", lifecycle.StatusInProgress),
	}}
	f := &fakeFetcher{results: map[string]*botprovider.StatusResult{
		"bot-1": {BotID: "bot-1", Status: "in_call_recording"},
		"bot-2": {BotID: "bot-2", Status: "done", Transcript: "raw text"},
	}}
	sink := &captureSink{}

	if err := newPoller(r, f, sink).SweepOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.signals) != 2 {
		t.Fatalf("expected two signals, got %d", len(sink.signals))
	}
	if sink.signals[1].Transcript != "raw text" {
		t.Fatalf("transcript not carried through poll signal: %+v", sink.signals[1])
	}
}
