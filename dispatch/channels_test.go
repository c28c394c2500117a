package dispatch

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestTelegramFactory_Validation(t *testing.T) {
	// WHAT: The factory rejects configs missing a token or chat_id.
	// WHY: A half-configured channel should fail at startup, not at the
	// first notification.
	factory := TelegramFactory()
	cases := []struct {
		name string
		cfg  string
	}{
		{"no token", `{"chat_id": "123"}`},
		{"no chat", `{"bot_token": "t"}`},
		{"bad json", `{`},
	}
	for _, tc := range cases {
		if _, err := factory("tg", json.RawMessage(tc.cfg)); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestTelegramFactory_TokenFromEnv(t *testing.T) {
	// WHAT: bot_token_env resolves the token from the environment.
	// WHY: Secrets belong in env vars, not in config files.
	t.Setenv("VIGIL_TEST_BOT_TOKEN", "123:ABC")
	factory := TelegramFactory()
	ch, err := factory("tg", json.RawMessage(`{"bot_token_env": "VIGIL_TEST_BOT_TOKEN", "chat_id": "42"}`))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer ch.Close()
	if ch.(*telegramChannel).config.BotToken != "123:ABC" {
		t.Error("token not resolved from env")
	}
}

func TestTelegramSend(t *testing.T) {
	// WHAT: Send POSTs sendMessage with chat_id, Markdown parse mode, and
	// the subject folded into the text.
	// WHY: This is the wire contract with the bot API.
	var got telegramSendRequest
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	factory := TelegramFactory()
	ch, err := factory("tg", json.RawMessage(
		`{"bot_token": "123:ABC", "chat_id": "42", "api_base": "`+srv.URL+`"}`))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer ch.Close()

	err = ch.Send(context.Background(), Message{Subject: "vacancy", Text: "ダーツ: 残2席"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if path != "/bot123:ABC/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got.ChatID != "42" {
		t.Errorf("chat_id = %q", got.ChatID)
	}
	if got.ParseMode != "Markdown" {
		t.Errorf("parse_mode = %q", got.ParseMode)
	}
	if !strings.Contains(got.Text, "*vacancy*") || !strings.Contains(got.Text, "残2席") {
		t.Errorf("text = %q", got.Text)
	}
}

func TestTelegramSend_APIError(t *testing.T) {
	// WHAT: A not-ok API response surfaces as ErrSendFailed with the
	// description, and Status carries the error.
	// WHY: The dispatcher retries on ErrSendFailed; operators see the
	// reason in /status.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"ok": false, "error_code": 429, "description": "Too Many Requests"}`))
	}))
	defer srv.Close()

	factory := TelegramFactory()
	ch, _ := factory("tg", json.RawMessage(
		`{"bot_token": "t", "chat_id": "42", "api_base": "`+srv.URL+`"}`))
	defer ch.Close()

	err := ch.Send(context.Background(), Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Too Many Requests") {
		t.Errorf("error should carry description: %v", err)
	}
	if ch.Status().Error == "" {
		t.Error("status should record the error")
	}
}

func TestTelegramSend_AfterClose(t *testing.T) {
	// WHAT: Send fails once the channel is closed.
	// WHY: A late tick during shutdown must not dial out.
	factory := TelegramFactory()
	ch, _ := factory("tg", json.RawMessage(`{"bot_token": "t", "chat_id": "1"}`))
	ch.Close()
	if err := ch.Send(context.Background(), Message{Text: "x"}); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestWebhookSend_SignsBody(t *testing.T) {
	// WHAT: With a secret configured, the POST carries a GitHub-style
	// sha256= HMAC signature over the exact body.
	// WHY: Receivers authenticate vigil by verifying this signature.
	secret := "hmac_key"
	var mu sync.Mutex
	var body []byte
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Signature-256")
	}))
	defer srv.Close()

	factory := WebhookFactory()
	ch, err := factory("hook", json.RawMessage(`{"url": "`+srv.URL+`", "secret": "`+secret+`"}`))
	if err != nil {
		t.Fatalf("factory: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(context.Background(), Message{Text: "hello"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil || msg.Text != "hello" {
		t.Errorf("body = %s", body)
	}
}

func TestWebhookSend_Non2xxFails(t *testing.T) {
	// WHAT: A 5xx response is an ErrSendFailed.
	// WHY: The dispatcher must retry server errors.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	factory := WebhookFactory()
	ch, _ := factory("hook", json.RawMessage(`{"url": "`+srv.URL+`"}`))
	defer ch.Close()

	err := ch.Send(context.Background(), Message{Text: "x"})
	if err == nil {
		t.Fatal("expected error for HTTP 502")
	}
}

func TestWebhookFactory_RequiresURL(t *testing.T) {
	// WHAT: A webhook channel without a URL is rejected at creation.
	// WHY: Fail at startup, not at the first notification.
	factory := WebhookFactory()
	if _, err := factory("hook", json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected error for missing url")
	}
}
