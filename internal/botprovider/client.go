package botprovider

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

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"notetaker/internal/metrics"
)

const defaultStatusCacheTTL = 30 * time.Second

var (
	// ErrBotNotFound indicates the provider has no record of the bot. This is
	// the one provider error callers may treat as authoritative; everything
	// else is transient.
	ErrBotNotFound = errors.New("bot provider: bot not found")
)

// Settings carries the per-user bot configuration sent on deploy.
type Settings struct {
	BotName       string `json:"bot_name"`
	AvatarURL     string `json:"avatar_url,omitempty"`
	EntryMessage  string `json:"entry_message,omitempty"`
	RecordingMode string `json:"recording_mode,omitempty"`
}

// StatusResult is the provider's authoritative view of a bot.
type StatusResult struct {
	BotID            string `json:"id"`
	Status           string `json:"status"`
	Transcript       string `json:"transcript_text,omitempty"`
	ParticipantCount int    `json:"participant_count"`
	ErrorReason      string `json:"error_reason,omitempty"`
}

// Client provides typed access to the bot-provider HTTP API.
type Client struct {
	logger      *slog.Logger
	baseURL     string
	apiKey      string
	timeout     time.Duration
	http        *http.Client
	metrics     *metrics.Metrics
	statusCache *gocache.Cache
}

// Config holds bot-provider client configuration.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// New creates a new bot-provider client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:      logger.With("component", "bot_provider"),
		baseURL:     base,
		apiKey:      cfg.APIKey,
		timeout:     timeout,
		http:        &http.Client{Timeout: timeout},
		metrics:     metricRegistry,
		statusCache: gocache.New(defaultStatusCacheTTL, time.Minute),
	}
}

// DeployBot requests a bot for the meeting URL and returns the provider's bot
// identifier. The idempotency key header lets the provider collapse retried
// deploys of the same attempt.
func (c *Client) DeployBot(ctx context.Context, meetingURL string, settings Settings) (string, error) {
	payload := struct {
		MeetingURL string `json:"meeting_url"`
		Settings
	}{MeetingURL: meetingURL, Settings: settings}

	req, err := c.newRequest(ctx, http.MethodPost, "/v1/bots", payload)
	if err != nil {
		return "", err
	}
	req.Header.Set("Idempotency-Key", uuid.NewString())

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(req, "deploy_bot", &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", fmt.Errorf("deploy bot: provider returned empty bot id")
	}
	return resp.ID, nil
}

// DeleteBot asks the provider to remove the bot from the call. A bot the
// provider no longer knows counts as deleted.
func (c *Client) DeleteBot(ctx context.Context, botID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/v1/bots/"+botID, nil)
	if err != nil {
		return err
	}
	err = c.do(req, "delete_bot", nil)
	if errors.Is(err, ErrBotNotFound) {
		return nil
	}
	return err
}

// GetStatus fetches the provider's current authoritative status for a bot.
// Results are cached briefly so a sweep does not hammer the provider.
func (c *Client) GetStatus(ctx context.Context, botID string) (*StatusResult, error) {
	if cached, ok := c.statusCache.Get(botID); ok {
		res := cached.(StatusResult)
		return &res, nil
	}

	req, err := c.newRequest(ctx, http.MethodGet, "/v1/bots/"+botID, nil)
	if err != nil {
		return nil, err
	}

	var res StatusResult
	if err := c.do(req, "get_status", &res); err != nil {
		return nil, err
	}
	c.statusCache.Set(botID, res, gocache.DefaultExpiration)
	return &res, nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(req *http.Request, endpoint string, dest any) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	status := "error"
	if resp != nil {
		status = fmt.Sprintf("%d", resp.StatusCode)
	}
	if c.metrics != nil {
		c.metrics.ProviderRequests.WithLabelValues(endpoint, status).Inc()
		c.metrics.ProviderLatency.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("%s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrBotNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("%s: provider status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if dest == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	return nil
}
