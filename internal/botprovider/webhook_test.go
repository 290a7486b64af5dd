package botprovider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"notetaker/internal/metrics"
)

const testSecret = "wh-secret"

type recordingSink struct {
	signals []Signal
}

func (s *recordingSink) ApplySignal(ctx context.Context, sig Signal) error {
	s.signals = append(s.signals, sig)
	return nil
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestHandler(sink SignalSink) *WebhookHandler {
	logger := slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
	return NewWebhookHandler(logger, metrics.Registry("test"), testSecret, sink)
}

func TestWebhookValidSignature(t *testing.T) {
	sink := &recordingSink{}
	handler := newTestHandler(sink)

	body := `{"botId":"bot-1","status":"in_call_recording","participantCount":4}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/botprovider", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign(testSecret, body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(sink.signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(sink.signals))
	}
	sig := sink.signals[0]
	if sig.BotID != "bot-1" || sig.RawStatus != "in_call_recording" || sig.ParticipantCount != 4 {
		t.Fatalf("unexpected signal: %+v", sig)
	}
	if sig.Origin != OriginWebhook {
		t.Fatalf("expected webhook origin, got %s", sig.Origin)
	}
}

func TestWebhookInvalidSignatureRejected(t *testing.T) {
	sink := &recordingSink{}
	handler := newTestHandler(sink)

	body := `{"botId":"bot-1","status":"done"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/botprovider", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign("wrong-secret", body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(sink.signals) != 0 {
		t.Fatal("signal must not reach the sink on signature failure")
	}
}

func TestWebhookMissingSignatureRejected(t *testing.T) {
	sink := &recordingSink{}
	handler := newTestHandler(sink)

	body := `{"botId":"bot-1","status":"done"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/botprovider", strings.NewReader(body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestWebhookSha256PrefixAccepted(t *testing.T) {
	sink := &recordingSink{}
	handler := newTestHandler(sink)

	body := `{"botId":"bot-2","status":"done"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/botprovider", strings.NewReader(body))
	req.Header.Set(SignatureHeader, "sha256="+sign(testSecret, body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(sink.signals) != 1 {
		t.Fatalf("expected one signal, got %d", len(sink.signals))
	}
}

func TestWebhookMalformedPayloadRejected(t *testing.T) {
	sink := &recordingSink{}
	handler := newTestHandler(sink)

	for _, body := range []string{"not json", `{"status":"done"}`, `{"botId":"bot-1"}`} {
		req := httptest.NewRequest(http.MethodPost, "/webhook/botprovider", strings.NewReader(body))
		req.Header.Set(SignatureHeader, sign(testSecret, body))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}
	if len(sink.signals) != 0 {
		t.Fatal("malformed payloads must not reach the sink")
	}
}

func TestWebhookSinkErrorStillAcks(t *testing.T) {
	handler := newTestHandler(failingSink{})

	body := `{"botId":"bot-1","status":"done"}`
	req := httptest.NewRequest(http.MethodPost, "/webhook/botprovider", strings.NewReader(body))
	req.Header.Set(SignatureHeader, sign(testSecret, body))
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("processing errors must still ack with 200, got %d", rec.Code)
	}
}

type failingSink struct{}

func (failingSink) ApplySignal(ctx context.Context, sig Signal) error {
	return context.DeadlineExceeded
}
