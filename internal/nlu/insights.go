package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"notetaker/internal/bus"
	"notetaker/internal/lifecycle"
	"notetaker/internal/metrics"
	"notetaker/internal/repo"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

var (
	// ErrNoUsableKeys indicates every key in the pool is cooling down or the
	// pool is empty.
	ErrNoUsableKeys = errors.New("nlu: no usable api keys")
	// ErrQuotaExhausted marks a per-key quota rejection.
	ErrQuotaExhausted = errors.New("nlu: quota exhausted")
)

// Publisher emits the insights-ready signal consumed by the delayed notifier.
type Publisher interface {
	PublishInsightsReady(event bus.InsightsReadyEvent) error
}

// Config holds generator configuration.
type Config struct {
	Model    string
	Timeout  time.Duration
	Cooldown time.Duration
	BaseURL  string
}

// Client turns meeting transcripts into typed insight records with a
// language-model call, rotating through the DB-backed key pool.
type Client struct {
	repository repo.Repository
	publisher  Publisher
	logger     *slog.Logger
	metrics    *metrics.Metrics
	cfg        Config
	caller     modelCaller
}

// New creates an insight generator.
func New(repository repo.Repository, publisher Publisher, logger *slog.Logger, metricRegistry *metrics.Metrics, cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	return &Client{
		repository: repository,
		publisher:  publisher,
		logger:     logger.With("component", "nlu"),
		metrics:    metricRegistry,
		cfg:        cfg,
		caller: &geminiCaller{
			baseURL: strings.TrimRight(cfg.BaseURL, "/"),
			model:   cfg.Model,
			http:    &http.Client{Timeout: cfg.Timeout},
		},
	}
}

// insightDocument is the JSON shape the model is prompted to return.
type insightDocument struct {
	Summary     string   `json:"summary"`
	ActionItems []string `json:"action_items"`
	KeyTopics   []string `json:"key_topics"`
}

// Generate produces the insight set for a meeting from its transcript,
// replacing any previously generated set, then completes the meeting and
// emits the insights-ready signal. On any failure the meeting stays in
// PROCESSING with its previous insights untouched and no signal is emitted,
// so it remains visible for a manual retry.
func (c *Client) Generate(ctx context.Context, meetingID, transcript string) error {
	if strings.TrimSpace(transcript) == "" {
		return fmt.Errorf("generate insights: empty transcript for meeting %s", meetingID)
	}

	meeting, err := c.repository.GetMeetingByID(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("load meeting: %w", err)
	}

	doc, err := c.generateDocument(ctx, transcript)
	if err != nil {
		return fmt.Errorf("model call: %w", err)
	}

	insights, err := toInsights(meetingID, doc)
	if err != nil {
		return err
	}
	if err := c.repository.ReplaceInsights(ctx, meetingID, insights); err != nil {
		return fmt.Errorf("persist insights: %w", err)
	}

	applied, err := c.repository.TransitionStatus(ctx, meetingID,
		lifecycle.Predecessors(lifecycle.StatusCompleted), lifecycle.StatusCompleted)
	if err != nil {
		return fmt.Errorf("complete meeting: %w", err)
	}
	if applied {
		c.metrics.Transitions.WithLabelValues(string(lifecycle.StatusCompleted), "applied").Inc()
	} else {
		// Manual regeneration of an already-completed meeting lands here;
		// the fresh insights are persisted either way.
		c.logger.Debug("completion transition dropped", "meeting_id", meetingID, "status", meeting.Status)
	}

	if c.publisher != nil {
		event := bus.InsightsReadyEvent{MeetingID: meetingID, UserID: meeting.UserID, ReadyAt: time.Now()}
		if err := c.publisher.PublishInsightsReady(event); err != nil {
			// Insights are durable; the signal loss only delays the
			// follow-up until a manual reprocess.
			c.logger.Error("failed publishing insights ready", "error", err, "meeting_id", meetingID)
			c.metrics.Errors.WithLabelValues("insights_ready_publish").Inc()
		}
	}

	c.logger.Info("insights generated", "meeting_id", meetingID, "count", len(insights))
	return nil
}

// generateDocument rotates through the active key pool until one key
// produces a response. Quota rejections put the key on cooldown and move on.
func (c *Client) generateDocument(ctx context.Context, transcript string) (*insightDocument, error) {
	keys, err := c.repository.ListActiveGeminiKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}

	prompt := buildPrompt(transcript)
	now := time.Now()
	tried := 0
	for _, key := range keys {
		if key.CooldownUntil != nil && key.CooldownUntil.After(now) {
			continue
		}
		tried++

		start := time.Now()
		raw, err := c.caller.generateText(ctx, key.Value, prompt)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			if errors.Is(err, ErrQuotaExhausted) {
				c.metrics.GeminiRequests.WithLabelValues("quota").Inc()
				c.metrics.GeminiLatency.WithLabelValues("quota").Observe(elapsed)
				if cErr := c.repository.SetCooldownUntil(ctx, key.ID, now.Add(c.cfg.Cooldown)); cErr != nil {
					c.logger.Warn("failed setting key cooldown", "error", cErr)
				}
				continue
			}
			c.metrics.GeminiRequests.WithLabelValues("error").Inc()
			c.metrics.GeminiLatency.WithLabelValues("error").Observe(elapsed)
			return nil, err
		}
		c.metrics.GeminiRequests.WithLabelValues("ok").Inc()
		c.metrics.GeminiLatency.WithLabelValues("ok").Observe(elapsed)

		if err := c.repository.TouchAPIKey(ctx, key.ID); err != nil {
			c.logger.Warn("failed touching api key", "error", err)
		}

		var doc insightDocument
		if err := json.Unmarshal([]byte(sanitizeModelJSON(raw)), &doc); err != nil {
			return nil, fmt.Errorf("decode model output: %w", err)
		}
		if strings.TrimSpace(doc.Summary) == "" {
			return nil, fmt.Errorf("model output missing summary")
		}
		return &doc, nil
	}

	if tried == 0 {
		return nil, ErrNoUsableKeys
	}
	return nil, fmt.Errorf("%w: all %d keys rejected", ErrQuotaExhausted, tried)
}

func toInsights(meetingID string, doc *insightDocument) ([]repo.Insight, error) {
	actionItems, err := json.Marshal(doc.ActionItems)
	if err != nil {
		return nil, fmt.Errorf("encode action items: %w", err)
	}
	keyTopics, err := json.Marshal(doc.KeyTopics)
	if err != nil {
		return nil, fmt.Errorf("encode key topics: %w", err)
	}
	return []repo.Insight{
		{MeetingID: meetingID, Type: repo.InsightSummary, Content: doc.Summary},
		{MeetingID: meetingID, Type: repo.InsightActionItems, Content: string(actionItems)},
		{MeetingID: meetingID, Type: repo.InsightKeyTopics, Content: string(keyTopics)},
	}, nil
}

func buildPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString("You are a meeting assistant. Given the raw transcript below, respond with a JSON object ")
	b.WriteString(`{"summary": string, "action_items": [string], "key_topics": [string]}. `)
	b.WriteString("The summary is a concise paragraph; action items are concrete follow-ups with owners when mentioned; key topics are short phrases.\n\nTranscript:\n")
	b.WriteString(transcript)
	return b.String()
}

// sanitizeModelJSON strips markdown code fences the model sometimes wraps
// around JSON output.
func sanitizeModelJSON(raw string) string {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	return strings.TrimSpace(trimmed)
}

type modelCaller interface {
	generateText(ctx context.Context, apiKey, prompt string) (string, error)
}

type geminiCaller struct {
	baseURL string
	model   string
	http    *http.Client
}

func (g *geminiCaller) generateText(ctx context.Context, apiKey, prompt string) (string, error) {
	payload := map[string]any{
		"contents": []map[string]any{
			{"parts": []map[string]string{{"text": prompt}}},
		},
		"generationConfig": map[string]any{
			"responseMimeType": "application/json",
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, g.model, apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", fmt.Errorf("read gemini response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", ErrQuotaExhausted
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("gemini status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("gemini response has no candidates")
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}
