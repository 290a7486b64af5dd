package notifier

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"notetaker/internal/bus"
	"notetaker/internal/lifecycle"
	"notetaker/internal/metrics"
	"notetaker/internal/repo"
)

type fakeRepo struct {
	repo.Repository

	meeting   *repo.Meeting
	user      *repo.User
	insights  []repo.Insight
	workflows map[string]*repo.NotificationWorkflow
	steps     map[string][]repo.WorkflowStep
	nextID    int
}

func newFakeRepo() *fakeRepo {
	jid := "628123@s.whatsapp.net"
	return &fakeRepo{
		meeting: &repo.Meeting{ID: "m1", UserID: "u1", Status: lifecycle.StatusCompleted, ParticipantCount: 4},
		user:    &repo.User{ID: "u1", WAJID: &jid, WhatsAppSummaryEnabled: true},
		insights: []repo.Insight{
			{MeetingID: "m1", Type: repo.InsightSummary, Content: "Roadmap locked for Q3."},
			{MeetingID: "m1", Type: repo.InsightActionItems, Content: `["Alice drafts the RFC"]`},
		},
		workflows: map[string]*repo.NotificationWorkflow{},
		steps:     map[string][]repo.WorkflowStep{},
	}
}

func (f *fakeRepo) GetMeetingByID(ctx context.Context, id string) (*repo.Meeting, error) {
	if f.meeting == nil || f.meeting.ID != id {
		return nil, repo.ErrNotFound
	}
	copied := *f.meeting
	return &copied, nil
}

func (f *fakeRepo) GetUserByID(ctx context.Context, id string) (*repo.User, error) {
	if f.user == nil || f.user.ID != id {
		return nil, repo.ErrNotFound
	}
	copied := *f.user
	return &copied, nil
}

func (f *fakeRepo) ListInsights(ctx context.Context, meetingID string) ([]repo.Insight, error) {
	return f.insights, nil
}

func (f *fakeRepo) MarkSummarySent(ctx context.Context, meetingID string, at time.Time) (bool, error) {
	if f.meeting.WhatsAppSummarySentAt != nil {
		return false, nil
	}
	f.meeting.WhatsAppSummarySentAt = &at
	return true, nil
}

func (f *fakeRepo) InsertWorkflow(ctx context.Context, meetingID, userID string, runAt time.Time) (bool, error) {
	for _, wf := range f.workflows {
		if wf.MeetingID == meetingID {
			return false, nil
		}
	}
	f.nextID++
	id := "wf" + string(rune('0'+f.nextID))
	f.workflows[id] = &repo.NotificationWorkflow{
		ID: id, MeetingID: meetingID, UserID: userID, RunAt: runAt, Status: repo.WorkflowPending,
	}
	return true, nil
}

func (f *fakeRepo) ListDueWorkflows(ctx context.Context, now time.Time, limit int) ([]repo.NotificationWorkflow, error) {
	var due []repo.NotificationWorkflow
	for _, wf := range f.workflows {
		if wf.Status == repo.WorkflowPending && !wf.RunAt.After(now) {
			due = append(due, *wf)
		}
	}
	return due, nil
}

func (f *fakeRepo) ListWorkflowSteps(ctx context.Context, workflowID string) ([]repo.WorkflowStep, error) {
	return f.steps[workflowID], nil
}

func (f *fakeRepo) RecordWorkflowStep(ctx context.Context, workflowID, stepName string, result []byte) error {
	for i, step := range f.steps[workflowID] {
		if step.StepName == stepName {
			f.steps[workflowID][i].Result = result
			return nil
		}
	}
	f.steps[workflowID] = append(f.steps[workflowID], repo.WorkflowStep{
		WorkflowID: workflowID, StepName: stepName, Result: result, CompletedAt: time.Now(),
	})
	return nil
}

func (f *fakeRepo) FinishWorkflow(ctx context.Context, workflowID, status string, skipReason *string) error {
	wf, ok := f.workflows[workflowID]
	if !ok {
		return repo.ErrNotFound
	}
	wf.Status = status
	wf.SkipReason = skipReason
	return nil
}

func (f *fakeRepo) BumpWorkflowAttempts(ctx context.Context, workflowID string) (int, error) {
	wf, ok := f.workflows[workflowID]
	if !ok {
		return 0, repo.ErrNotFound
	}
	wf.Attempts++
	return wf.Attempts, nil
}

type sentMessage struct {
	to   string
	text string
}

type fakeSender struct {
	sent []sentMessage
	err  error
}

func (f *fakeSender) SendText(ctx context.Context, to, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return nil
}

type fakeLocker struct {
	busy bool
}

func (f *fakeLocker) AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return !f.busy, nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, name string) error { return nil }

func newNotifier(r repo.Repository, sender MessageSender, locks Locker, maxAttempts int) *Notifier {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return New(r, sender, locks, logger, metrics.Registry("test"), Config{
		Delay:       time.Millisecond,
		Tick:        time.Second,
		MaxAttempts: maxAttempts,
	})
}

// scheduleDue creates a workflow that is already runnable.
func scheduleDue(t *testing.T, n *Notifier, r *fakeRepo) *repo.NotificationWorkflow {
	t.Helper()
	n.HandleInsightsReady(bus.InsightsReadyEvent{MeetingID: "m1", UserID: "u1", ReadyAt: time.Now()})
	for _, wf := range r.workflows {
		wf.RunAt = time.Now().Add(-time.Second)
		return wf
	}
	t.Fatal("workflow was not created")
	return nil
}

func TestHandleInsightsReadyIsIdempotentPerMeeting(t *testing.T) {
	r := newFakeRepo()
	n := newNotifier(r, &fakeSender{}, &fakeLocker{}, 5)

	event := bus.InsightsReadyEvent{MeetingID: "m1", UserID: "u1", ReadyAt: time.Now()}
	n.HandleInsightsReady(event)
	n.HandleInsightsReady(event)

	if len(r.workflows) != 1 {
		t.Fatalf("duplicate signal must not create a second workflow, got %d", len(r.workflows))
	}
}

func TestRunDueDeliversSummaryAndMarksSent(t *testing.T) {
	r := newFakeRepo()
	sender := &fakeSender{}
	n := newNotifier(r, sender, &fakeLocker{}, 5)
	wf := scheduleDue(t, n, r)

	if err := n.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(sender.sent))
	}
	msg := sender.sent[0]
	if msg.to != *r.user.WAJID {
		t.Fatalf("sent to wrong destination: %s", msg.to)
	}
	if !strings.Contains(msg.text, "Roadmap locked for Q3.") || !strings.Contains(msg.text, "Alice drafts the RFC") {
		t.Fatalf("message missing summary or action items: %q", msg.text)
	}
	if r.meeting.WhatsAppSummarySentAt == nil {
		t.Fatal("summary sent timestamp must be set after delivery")
	}
	if wf.Status != repo.WorkflowCompleted {
		t.Fatalf("expected completed workflow, got %s", wf.Status)
	}
}

func TestRunDueSkipsWhenFeatureDisabled(t *testing.T) {
	// The toggle is read fresh at execution time, after the delay, not from
	// the state at signal time.
	r := newFakeRepo()
	sender := &fakeSender{}
	n := newNotifier(r, sender, &fakeLocker{}, 5)
	wf := scheduleDue(t, n, r)
	r.user.WhatsAppSummaryEnabled = false

	if err := n.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("no message may be sent when the feature is disabled")
	}
	if r.meeting.WhatsAppSummarySentAt != nil {
		t.Fatal("sent timestamp must stay unset on skip")
	}
	if wf.Status != repo.WorkflowSkipped || wf.SkipReason == nil || *wf.SkipReason != SkipFeatureDisabled {
		t.Fatalf("expected skipped/%s, got %s", SkipFeatureDisabled, wf.Status)
	}
}

func TestRunDueSkipsWhenAlreadySent(t *testing.T) {
	r := newFakeRepo()
	already := time.Now().Add(-time.Hour)
	r.meeting.WhatsAppSummarySentAt = &already
	sender := &fakeSender{}
	n := newNotifier(r, sender, &fakeLocker{}, 5)
	wf := scheduleDue(t, n, r)

	if err := n.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("a meeting with a sent timestamp must never be re-notified")
	}
	if wf.Status != repo.WorkflowSkipped || wf.SkipReason == nil || *wf.SkipReason != SkipAlreadySent {
		t.Fatalf("expected skipped/%s, got %s", SkipAlreadySent, wf.Status)
	}
}

func TestRunDueSkipsWithoutDeliveryChannel(t *testing.T) {
	r := newFakeRepo()
	r.user.WAJID = nil
	sender := &fakeSender{}
	n := newNotifier(r, sender, &fakeLocker{}, 5)
	wf := scheduleDue(t, n, r)

	if err := n.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("no message may be sent without a linked WhatsApp JID")
	}
	if wf.Status != repo.WorkflowSkipped || wf.SkipReason == nil || *wf.SkipReason != SkipNoDeliveryChannel {
		t.Fatalf("expected skipped/%s, got %s", SkipNoDeliveryChannel, wf.Status)
	}
}

func TestSendFailureRetriesThenFails(t *testing.T) {
	r := newFakeRepo()
	sender := &fakeSender{err: errors.New("socket closed")}
	n := newNotifier(r, sender, &fakeLocker{}, 2)
	wf := scheduleDue(t, n, r)

	if err := n.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.Status != repo.WorkflowPending || wf.Attempts != 1 {
		t.Fatalf("first failure must leave workflow pending with one attempt: %s/%d", wf.Status, wf.Attempts)
	}
	if r.meeting.WhatsAppSummarySentAt != nil {
		t.Fatal("sent timestamp must stay unset while sends fail")
	}

	if err := n.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if wf.Status != repo.WorkflowFailed || wf.Attempts != 2 {
		t.Fatalf("workflow must fail at the attempt cap: %s/%d", wf.Status, wf.Attempts)
	}
}

func TestResumeAfterDeliveryDoesNotResend(t *testing.T) {
	// Crash between the deliver step record and the workflow bookkeeping:
	// resume must only finish the paperwork.
	r := newFakeRepo()
	sender := &fakeSender{}
	n := newNotifier(r, sender, &fakeLocker{}, 5)
	wf := scheduleDue(t, n, r)
	if err := r.RecordWorkflowStep(context.Background(), wf.ID, "deliver", []byte(`{"sent_at":"2026-08-30T10:00:00Z"}`)); err != nil {
		t.Fatalf("seed step log: %v", err)
	}

	if err := n.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("resumed workflow with a completed deliver step must not resend")
	}
	if wf.Status != repo.WorkflowCompleted {
		t.Fatalf("expected completed workflow, got %s", wf.Status)
	}
}

func TestLockBusyStaysPending(t *testing.T) {
	r := newFakeRepo()
	sender := &fakeSender{}
	n := newNotifier(r, sender, &fakeLocker{busy: true}, 5)
	wf := scheduleDue(t, n, r)

	if err := n.RunDueOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatal("busy user lock must defer the send")
	}
	if wf.Status != repo.WorkflowPending || wf.Attempts != 0 {
		t.Fatalf("deferred workflow must stay pending without burning an attempt: %s/%d", wf.Status, wf.Attempts)
	}
}
