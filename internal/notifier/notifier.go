package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"notetaker/internal/bus"
	"notetaker/internal/metrics"
	"notetaker/internal/repo"
)

// Step names in the persisted workflow log.
const (
	stepEligibility = "check_eligibility"
	stepCompose     = "compose"
	stepDeliver     = "deliver"
)

// Skip reasons recorded when a workflow terminates without sending.
const (
	SkipMeetingDeleted    = "meeting_deleted"
	SkipAlreadySent       = "already_sent"
	SkipUserDeleted       = "user_deleted"
	SkipNoDeliveryChannel = "no_delivery_channel"
	SkipFeatureDisabled   = "feature_disabled"
	SkipNoSummary         = "no_summary_insight"
)

// MessageSender is the delivery channel boundary.
type MessageSender interface {
	SendText(ctx context.Context, to, text string) error
}

// Locker provides the per-user dispatch mutex.
type Locker interface {
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name string) error
}

// Config tunes the delayed notifier.
type Config struct {
	Delay       time.Duration
	Tick        time.Duration
	MaxAttempts int
	LockTTL     time.Duration
}

// Notifier turns insights-ready signals into durable delayed-notification
// workflows and executes them once their delay elapses. Each workflow
// re-checks eligibility fresh when it resumes; the persisted step log keeps
// a retried run from re-sending what already went out.
type Notifier struct {
	repository repo.Repository
	sender     MessageSender
	locks      Locker
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cfg        Config
}

// New creates a delayed notifier.
func New(repository repo.Repository, sender MessageSender, locks Locker, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Notifier {
	if cfg.Delay <= 0 {
		cfg.Delay = 15 * time.Minute
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	return &Notifier{
		repository: repository,
		sender:     sender,
		locks:      locks,
		logger:     logger.With("component", "notifier"),
		metrics:    metricRegistry,
		cfg:        cfg,
	}
}

// HandleInsightsReady persists one workflow per meeting, suspended until the
// configured delay elapses. Duplicate signals for the same meeting are
// no-ops.
func (n *Notifier) HandleInsightsReady(event bus.InsightsReadyEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	created, err := n.repository.InsertWorkflow(ctx, event.MeetingID, event.UserID, time.Now().Add(n.cfg.Delay))
	if err != nil {
		n.logger.Error("failed creating notification workflow", "error", err, "meeting_id", event.MeetingID)
		n.metrics.Errors.WithLabelValues("notifier_schedule").Inc()
		return
	}
	if !created {
		n.logger.Debug("workflow already exists for meeting", "meeting_id", event.MeetingID)
		return
	}
	n.logger.Info("notification workflow scheduled", "meeting_id", event.MeetingID, "delay", n.cfg.Delay)
}

// Run executes due workflows until the context is cancelled. The tick is the
// resume point for every suspended workflow.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.Tick)
	defer ticker.Stop()

	n.logger.Info("delayed notifier started", "tick", n.cfg.Tick, "delay", n.cfg.Delay)
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("delayed notifier stopped")
			return
		case <-ticker.C:
			if err := n.RunDueOnce(ctx); err != nil {
				n.logger.Error("notifier tick failed", "error", err)
			}
		}
	}
}

// RunDueOnce claims and executes every workflow whose delay has elapsed.
func (n *Notifier) RunDueOnce(ctx context.Context) error {
	due, err := n.repository.ListDueWorkflows(ctx, time.Now(), 50)
	if err != nil {
		return fmt.Errorf("list due workflows: %w", err)
	}
	for _, wf := range due {
		if err := n.runWorkflow(ctx, wf); err != nil {
			n.logger.Warn("workflow execution failed, will retry", "error", err, "workflow_id", wf.ID)
		}
	}
	return nil
}

type eligibilityResult struct {
	Eligible         bool   `json:"eligible"`
	Reason           string `json:"reason,omitempty"`
	Destination      string `json:"destination,omitempty"`
	ParticipantCount int    `json:"participant_count,omitempty"`
}

type composeResult struct {
	Text string `json:"text"`
}

type deliverResult struct {
	SentAt time.Time `json:"sent_at"`
}

// runWorkflow executes the step log for one workflow. Eligibility is always
// recomputed fresh on resume; the deliver step is replayed from the log so a
// crash after delivery never sends twice.
func (n *Notifier) runWorkflow(ctx context.Context, wf repo.NotificationWorkflow) error {
	steps, err := n.repository.ListWorkflowSteps(ctx, wf.ID)
	if err != nil {
		return fmt.Errorf("load step log: %w", err)
	}
	if stepDone(steps, stepDeliver) {
		// Crashed between delivery and bookkeeping on a previous run.
		n.metrics.NotifierRuns.WithLabelValues("completed").Inc()
		return n.repository.FinishWorkflow(ctx, wf.ID, repo.WorkflowCompleted, nil)
	}

	elig, err := n.checkEligibility(ctx, wf)
	if err != nil {
		return err
	}
	if err := n.recordStep(ctx, wf.ID, stepEligibility, elig); err != nil {
		return err
	}
	if !elig.Eligible {
		// Expected skip outcome, not an error.
		reason := elig.Reason
		n.logger.Info("notification skipped", "workflow_id", wf.ID, "meeting_id", wf.MeetingID, "reason", reason)
		n.metrics.NotifierRuns.WithLabelValues("skipped").Inc()
		return n.repository.FinishWorkflow(ctx, wf.ID, repo.WorkflowSkipped, &reason)
	}

	text, skipReason, err := n.composeMessage(ctx, wf, elig)
	if err != nil {
		return err
	}
	if skipReason != "" {
		n.metrics.NotifierRuns.WithLabelValues("skipped").Inc()
		return n.repository.FinishWorkflow(ctx, wf.ID, repo.WorkflowSkipped, &skipReason)
	}
	if err := n.recordStep(ctx, wf.ID, stepCompose, composeResult{Text: text}); err != nil {
		return err
	}

	return n.deliver(ctx, wf, elig.Destination, text)
}

// checkEligibility re-derives eligibility from current state, never from the
// signal's snapshot taken before the delay.
func (n *Notifier) checkEligibility(ctx context.Context, wf repo.NotificationWorkflow) (eligibilityResult, error) {
	meeting, err := n.repository.GetMeetingByID(ctx, wf.MeetingID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return eligibilityResult{Reason: SkipMeetingDeleted}, nil
		}
		return eligibilityResult{}, fmt.Errorf("load meeting: %w", err)
	}
	if meeting.WhatsAppSummarySentAt != nil {
		return eligibilityResult{Reason: SkipAlreadySent}, nil
	}

	user, err := n.repository.GetUserByID(ctx, wf.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return eligibilityResult{Reason: SkipUserDeleted}, nil
		}
		return eligibilityResult{}, fmt.Errorf("load user: %w", err)
	}
	if user.WAJID == nil || *user.WAJID == "" {
		return eligibilityResult{Reason: SkipNoDeliveryChannel}, nil
	}
	if !user.WhatsAppSummaryEnabled {
		return eligibilityResult{Reason: SkipFeatureDisabled}, nil
	}

	return eligibilityResult{
		Eligible:         true,
		Destination:      *user.WAJID,
		ParticipantCount: meeting.ParticipantCount,
	}, nil
}

func (n *Notifier) composeMessage(ctx context.Context, wf repo.NotificationWorkflow, elig eligibilityResult) (string, string, error) {
	insights, err := n.repository.ListInsights(ctx, wf.MeetingID)
	if err != nil {
		return "", "", fmt.Errorf("load insights: %w", err)
	}

	var summary, actionItemsJSON string
	for _, ins := range insights {
		switch ins.Type {
		case repo.InsightSummary:
			summary = ins.Content
		case repo.InsightActionItems:
			actionItemsJSON = ins.Content
		}
	}
	if summary == "" {
		return "", SkipNoSummary, nil
	}

	var actionItems []string
	if actionItemsJSON != "" {
		if err := json.Unmarshal([]byte(actionItemsJSON), &actionItems); err != nil {
			n.logger.Warn("malformed action items insight", "error", err, "meeting_id", wf.MeetingID)
		}
	}

	return formatSummaryMessage(summary, actionItems, elig.ParticipantCount), "", nil
}

// deliver sends the message and marks the meeting in the same step, so the
// only duplicate window is a crash between the send returning and the mark.
func (n *Notifier) deliver(ctx context.Context, wf repo.NotificationWorkflow, destination, text string) error {
	acquired, err := n.locks.AcquireLock(ctx, "notify:"+wf.UserID, n.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire user lock: %w", err)
	}
	if !acquired {
		// Another dispatch for this user is in flight; stay pending.
		n.logger.Debug("user dispatch lock busy", "workflow_id", wf.ID, "user_id", wf.UserID)
		return nil
	}
	defer func() {
		if err := n.locks.ReleaseLock(context.WithoutCancel(ctx), "notify:"+wf.UserID); err != nil {
			n.logger.Warn("failed releasing user lock", "error", err)
		}
	}()

	if err := n.sender.SendText(ctx, destination, text); err != nil {
		attempts, bumpErr := n.repository.BumpWorkflowAttempts(ctx, wf.ID)
		if bumpErr != nil {
			n.logger.Error("failed bumping workflow attempts", "error", bumpErr, "workflow_id", wf.ID)
		}
		n.metrics.Errors.WithLabelValues("notifier_send").Inc()
		if attempts >= n.cfg.MaxAttempts {
			reason := fmt.Sprintf("send failed after %d attempts", attempts)
			n.metrics.NotifierRuns.WithLabelValues("failed").Inc()
			if finErr := n.repository.FinishWorkflow(ctx, wf.ID, repo.WorkflowFailed, &reason); finErr != nil {
				return finErr
			}
		}
		return fmt.Errorf("send message: %w", err)
	}

	sentAt := time.Now()
	marked, err := n.repository.MarkSummarySent(ctx, wf.MeetingID, sentAt)
	if err != nil {
		return fmt.Errorf("mark summary sent: %w", err)
	}
	if !marked {
		n.logger.Warn("summary sent timestamp was already set", "meeting_id", wf.MeetingID)
	}

	if err := n.recordStep(ctx, wf.ID, stepDeliver, deliverResult{SentAt: sentAt}); err != nil {
		return err
	}
	n.metrics.NotifierRuns.WithLabelValues("completed").Inc()
	n.logger.Info("summary delivered", "workflow_id", wf.ID, "meeting_id", wf.MeetingID)
	return n.repository.FinishWorkflow(ctx, wf.ID, repo.WorkflowCompleted, nil)
}

func (n *Notifier) recordStep(ctx context.Context, workflowID, name string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal step %s: %w", name, err)
	}
	if err := n.repository.RecordWorkflowStep(ctx, workflowID, name, data); err != nil {
		return err
	}
	return nil
}

func stepDone(steps []repo.WorkflowStep, name string) bool {
	for _, step := range steps {
		if step.StepName == name {
			return true
		}
	}
	return false
}
