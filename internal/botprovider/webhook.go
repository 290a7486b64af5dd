package botprovider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"notetaker/internal/metrics"

	"log/slog"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Provider-Signature"

// Signal is a status-change notification for a bot, originating from either
// a provider webhook or a reconciliation poll.
type Signal struct {
	BotID            string
	RawStatus        string
	Transcript       string
	ParticipantCount int
	ErrorReason      string
	Origin           string
	ReceivedAt       time.Time
}

// Signal origins.
const (
	OriginWebhook = "webhook"
	OriginPoll    = "poll"
)

// SignalSink applies provider signals to meeting state.
type SignalSink interface {
	ApplySignal(ctx context.Context, sig Signal) error
}

// WebhookHandler verifies bot-provider webhook signatures and forwards
// signals to the sink.
type WebhookHandler struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	secret  []byte
	sink    SignalSink
}

// NewWebhookHandler creates a new webhook handler. The shared secret is an
// explicit dependency so the handler stays testable without ambient config.
func NewWebhookHandler(logger *slog.Logger, metricRegistry *metrics.Metrics, secret string, sink SignalSink) *WebhookHandler {
	return &WebhookHandler{
		logger:  logger.With("component", "provider_webhook"),
		metrics: metricRegistry,
		secret:  []byte(secret),
		sink:    sink,
	}
}

type webhookPayload struct {
	BotID            string `json:"botId"`
	Status           string `json:"status"`
	Transcript       string `json:"transcript,omitempty"`
	ParticipantCount int    `json:"participantCount,omitempty"`
	ErrorReason      string `json:"errorReason,omitempty"`
}

// ServeHTTP satisfies http.Handler. Non-2xx responses are returned only for
// signature failures and malformed payloads; everything downstream of the
// boundary answers 200 so the provider never retry-storms on slow work.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		h.metrics.WebhookEvents.WithLabelValues("read_error").Inc()
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	if !h.verifySignature(r.Header.Get(SignatureHeader), body) {
		h.logger.Warn("webhook signature verification failed")
		h.metrics.WebhookEvents.WithLabelValues("bad_signature").Inc()
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.BotID == "" || payload.Status == "" {
		h.metrics.WebhookEvents.WithLabelValues("malformed").Inc()
		http.Error(w, "malformed payload", http.StatusBadRequest)
		return
	}

	sig := Signal{
		BotID:            payload.BotID,
		RawStatus:        payload.Status,
		Transcript:       payload.Transcript,
		ParticipantCount: payload.ParticipantCount,
		ErrorReason:      payload.ErrorReason,
		Origin:           OriginWebhook,
		ReceivedAt:       time.Now(),
	}

	if h.sink != nil {
		if err := h.sink.ApplySignal(r.Context(), sig); err != nil {
			// Processing failures do not bounce the delivery; the poller is
			// the backstop for anything lost here.
			h.logger.Error("failed applying webhook signal", "error", err, "bot_id", sig.BotID, "status", sig.RawStatus)
			h.metrics.WebhookEvents.WithLabelValues("process_error").Inc()
			writeOK(w)
			return
		}
	}

	h.metrics.WebhookEvents.WithLabelValues("ok").Inc()
	writeOK(w)
}

func (h *WebhookHandler) verifySignature(header string, body []byte) bool {
	header = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if header == "" || len(h.secret) == 0 {
		return false
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

func writeOK(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
