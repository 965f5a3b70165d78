package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestRenderDefaults(t *testing.T) {
	tpl := DefaultTemplates()
	text, err := tpl.Render(Message{Kind: KindDeleted, CredentialID: "7", Reason: ReasonExpired})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(text, "has expired") {
		t.Fatalf("expected expired reason, got %q", text)
	}
	text, err = tpl.Render(Message{Kind: KindDeleted, Reason: ReasonQuotaExhausted})
	if err != nil || !strings.Contains(text, "traffic limit is exhausted") {
		t.Fatalf("expected depleted text, got %q err=%v", text, err)
	}
	if _, err := tpl.Render(Message{Kind: "unknown"}); err != ErrEmptyMessage {
		t.Fatalf("expected empty message error, got %v", err)
	}
}

func TestLoadTemplatesLayers(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "notifications"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileLowTraffic), []byte("low on {key}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, fileExpiringSoon), []byte("from file"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	tpl := LoadTemplates(dir, Templates{ExpiringSoon: "from config"})
	if tpl.ExpiringSoon != "from config" {
		t.Fatalf("config override should win, got %q", tpl.ExpiringSoon)
	}
	text, _ := tpl.Render(Message{Kind: KindLowTraffic, CredentialID: "12"})
	if text != "low on 12" {
		t.Fatalf("expected file template, got %q", text)
	}
	if tpl.Depleted != DefaultTemplates().Depleted {
		t.Fatalf("expected default depleted text")
	}
}

type sentMessage struct {
	path   string
	chatID string
	text   string
}

func newBotServer(t *testing.T, reply func(chatID string, attempt int) (int, string)) (*httptest.Server, func() []sentMessage) {
	t.Helper()
	var mu sync.Mutex
	var sent []sentMessage
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		sent = append(sent, sentMessage{path: r.URL.Path, chatID: r.FormValue("chat_id"), text: r.FormValue("text")})
		attempt := len(sent)
		mu.Unlock()
		status, body := reply(r.FormValue("chat_id"), attempt)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts, func() []sentMessage {
		mu.Lock()
		defer mu.Unlock()
		return append([]sentMessage(nil), sent...)
	}
}

const okMessage = `{"ok":true,"result":{"message_id":1,"date":1767225600,"chat":{"id":42,"type":"private"}}}`

func TestTelegramNotify(t *testing.T) {
	ts, sent := newBotServer(t, func(chatID string, _ int) (int, string) {
		if chatID == "13" {
			return http.StatusForbidden, `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`
		}
		return http.StatusOK, okMessage
	})

	tg, err := NewTelegram(TelegramConfig{BotToken: "123:abc", BaseURL: ts.URL}, DefaultTemplates(), nil)
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	if err := tg.Notify(context.Background(), 42, Message{Kind: KindExpiringSoon, CredentialID: "1"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	got := sent()[0]
	if got.path != "/bot123:abc/sendMessage" {
		t.Fatalf("unexpected path %q", got.path)
	}
	if got.chatID != "42" || got.text != DefaultTemplates().ExpiringSoon {
		t.Fatalf("unexpected request %+v", got)
	}

	err = tg.Notify(context.Background(), 13, Message{Kind: KindLowTraffic})
	if !errors.Is(err, ErrRecipientBlocked) {
		t.Fatalf("expected blocked recipient error, got %v", err)
	}
}

func TestTelegramRetriesOnceWhenThrottled(t *testing.T) {
	ts, sent := newBotServer(t, func(_ string, attempt int) (int, string) {
		if attempt == 1 {
			return http.StatusTooManyRequests, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 1","parameters":{"retry_after":1}}`
		}
		return http.StatusOK, okMessage
	})
	tg, err := NewTelegram(TelegramConfig{BotToken: "123:abc", BaseURL: ts.URL}, DefaultTemplates(), nil)
	if err != nil {
		t.Fatalf("new telegram: %v", err)
	}
	if err := tg.Notify(context.Background(), 42, Message{Kind: KindLowTraffic, CredentialID: "1"}); err != nil {
		t.Fatalf("notify after throttle: %v", err)
	}
	if len(sent()) != 2 {
		t.Fatalf("expected one retry, got %d requests", len(sent()))
	}
}

func TestTelegramRequiresToken(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{}, DefaultTemplates(), nil); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
