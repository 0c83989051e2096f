package push

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/amurg-ai/relay/hub/internal/config"
	"github.com/segmentio/kafka-go"
)

func TestTruncate(t *testing.T) {
	if got := Truncate("short", BodyLimit); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
	long := strings.Repeat("é", 200)
	got := Truncate(long, BodyLimit)
	if n := utf8.RuneCountInString(got); n != BodyLimit {
		t.Errorf("truncated length = %d runes, want %d", n, BodyLimit)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("truncated body should end with an ellipsis: %q", got)
	}
}

func TestWebhookNotify(t *testing.T) {
	var gotSig string
	var got webhookRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotSig = r.Header.Get(SignatureHeader)
		mac := hmac.New(sha256.New, []byte("hook-secret"))
		mac.Write(body)
		if gotSig != hex.EncodeToString(mac.Sum(nil)) {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Result{InvalidTokens: []string{"dead"}})
	}))
	defer srv.Close()

	d := NewWebhook(srv.URL, "hook-secret", time.Second)
	defer d.Close()

	res, err := d.Notify(context.Background(), []string{"live", "dead"}, Notification{
		UserID: "u1", SessionKey: "s1", MessageID: "m1", Type: "user.message", Title: "New message", Body: "hi",
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(res.InvalidTokens) != 1 || res.InvalidTokens[0] != "dead" {
		t.Errorf("InvalidTokens = %v", res.InvalidTokens)
	}
	if got.Notification.MessageID != "m1" || len(got.Tokens) != 2 {
		t.Errorf("webhook received %+v", got)
	}
}

func TestWebhookNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := NewWebhook(srv.URL, "", time.Second).Notify(context.Background(), []string{"t"}, Notification{UserID: "u1"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(res.InvalidTokens) != 0 {
		t.Errorf("unexpected invalid tokens: %v", res.InvalidTokens)
	}
}

func TestWebhookErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWebhook(srv.URL, "", time.Second).Notify(context.Background(), []string{"t"}, Notification{UserID: "u1"})
	if err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected 502 error, got %v", err)
	}
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafkaNotify(t *testing.T) {
	w := &fakeWriter{}
	d := &Kafka{writer: w, timeout: time.Second}

	_, err := d.Notify(context.Background(), []string{"tok"}, Notification{UserID: "u1", MessageID: "m1", Type: "agent.text"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "u1" {
		t.Errorf("record key = %q, want u1", w.msgs[0].Key)
	}
	var ev kafkaEvent
	if err := json.Unmarshal(w.msgs[0].Value, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Notification.MessageID != "m1" || len(ev.Tokens) != 1 {
		t.Errorf("unexpected event: %+v", ev)
	}

	if err := d.Close(); err != nil || !w.closed {
		t.Errorf("Close: %v closed=%v", err, w.closed)
	}
}

func TestKafkaNotifyError(t *testing.T) {
	d := &Kafka{writer: &fakeWriter{err: errors.New("broker unavailable")}, timeout: time.Second}
	if _, err := d.Notify(context.Background(), nil, Notification{UserID: "u1"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNewDriverSelection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tests := []struct {
		cfg     config.PushConfig
		want    string
		wantErr bool
	}{
		{config.PushConfig{}, "push.Noop", false},
		{config.PushConfig{Driver: "none"}, "push.Noop", false},
		{config.PushConfig{Driver: "webhook", WebhookURL: "http://localhost"}, "*push.Webhook", false},
		{config.PushConfig{Driver: "kafka", KafkaBrokers: []string{"localhost:9092"}, KafkaTopic: "push"}, "*push.Kafka", false},
		{config.PushConfig{Driver: "slack", SlackWebhookURL: "http://localhost"}, "*push.Slack", false},
		{config.PushConfig{Driver: "apns"}, "", true},
	}
	for _, tt := range tests {
		d, err := New(tt.cfg, logger)
		if tt.wantErr {
			if err == nil {
				t.Errorf("driver %q: expected error", tt.cfg.Driver)
			}
			continue
		}
		if err != nil {
			t.Fatalf("driver %q: %v", tt.cfg.Driver, err)
		}
		if got := typeName(d); got != tt.want {
			t.Errorf("driver %q: got %s, want %s", tt.cfg.Driver, got, tt.want)
		}
		_ = d.Close()
	}
}

func typeName(d Dispatcher) string {
	switch d.(type) {
	case Noop:
		return "push.Noop"
	case *Webhook:
		return "*push.Webhook"
	case *Kafka:
		return "*push.Kafka"
	case *Slack:
		return "*push.Slack"
	}
	return "unknown"
}

func TestSlackNotify(t *testing.T) {
	var got struct {
		Channel string `json:"channel"`
		Text    string `json:"text"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer srv.Close()

	s := NewSlack(srv.URL, "#agents", time.Second)
	defer s.Close()
	res, err := s.Notify(context.Background(), []string{"device-1"}, Notification{
		UserID: "u1", SessionKey: "s1", Title: "coder", Body: "build finished",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.InvalidTokens) != 0 {
		t.Errorf("invalid tokens = %v", res.InvalidTokens)
	}
	if got.Channel != "#agents" {
		t.Errorf("channel = %q", got.Channel)
	}
	for _, want := range []string{"coder", "build finished", "s1"} {
		if !strings.Contains(got.Text, want) {
			t.Errorf("text %q missing %q", got.Text, want)
		}
	}
}

func TestSlackNotifyError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	if _, err := NewSlack(srv.URL, "", time.Second).Notify(context.Background(), nil, Notification{Title: "t"}); err == nil {
		t.Error("expected error for 400 response")
	}
}
