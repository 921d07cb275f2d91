package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTelegramSink_Notify(t *testing.T) {
	var gotPath string
	var gotMsg telegramMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotMsg)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sink, err := NewTelegramSink(TelegramConfig{Token: "123:abc", ChatID: "-42", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewTelegramSink() error = %v", err)
	}

	e := Warning(EventTypeCertRevoked, "alice", "certificate revoked")
	e.Timestamp = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)
	if err := sink.Notify(context.Background(), e); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if gotPath != "/bot123:abc/sendMessage" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotMsg.ChatID != "-42" || gotMsg.ParseMode != "Markdown" {
		t.Errorf("unexpected message envelope: %+v", gotMsg)
	}
	for _, want := range []string{"SECURITY ALERT", "cert_revoked", "alice", "04/05/2026 09:30:00"} {
		if !strings.Contains(gotMsg.Text, want) {
			t.Errorf("message text missing %q:\n%s", want, gotMsg.Text)
		}
	}
}

func TestTelegramSink_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	defer server.Close()

	sink, _ := NewTelegramSink(TelegramConfig{Token: "bad", ChatID: "1", BaseURL: server.URL})
	err := sink.Notify(context.Background(), New(EventTypeRouteAdded, "/x", ""))
	if err == nil || !strings.Contains(err.Error(), "Unauthorized") {
		t.Errorf("expected Unauthorized error, got %v", err)
	}
}

func TestTelegramSink_SeverityFilter(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	sink, _ := NewTelegramSink(TelegramConfig{Token: "t", ChatID: "1", BaseURL: server.URL, MinSeverity: SeverityWarning})
	sink.Notify(context.Background(), New(EventTypeRouteAdded, "/x", ""))
	sink.Notify(context.Background(), Critical(EventTypeProxyReloadFailed, "", "reload failed"))

	if calls != 1 {
		t.Errorf("expected only the critical event to be sent, got %d calls", calls)
	}
}

func TestNewTelegramSink_RequiresCredentials(t *testing.T) {
	if _, err := NewTelegramSink(TelegramConfig{ChatID: "1"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := NewTelegramSink(TelegramConfig{Token: "t"}); err == nil {
		t.Error("expected error without chat id")
	}
}
