package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type botCall struct {
	Method string
	Params map[string]interface{}
}

// mockBotAPI mimics the subset of the Telegram Bot API the sender uses.
func mockBotAPI(t *testing.T, token string, fail string) (*httptest.Server, *[]botCall) {
	t.Helper()
	var mu sync.Mutex
	calls := []botCall{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := "/bot" + token + "/"
		if !strings.HasPrefix(r.URL.Path, prefix) {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		params := map[string]interface{}{}
		_ = json.Unmarshal(body, &params)
		mu.Lock()
		calls = append(calls, botCall{Method: strings.TrimPrefix(r.URL.Path, prefix), Params: params})
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if fail != "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(fail))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":1714588200,"chat":{"id":-100123,"type":"channel"}}}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestSender(t *testing.T, apiURL string) *TelegramSender {
	t.Helper()
	s, err := NewTelegramSender(TelegramConfig{Token: "123:abc", APIURL: apiURL, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewTelegramSender: %v", err)
	}
	return s
}

func TestTelegramSendPhoto(t *testing.T) {
	srv, calls := mockBotAPI(t, "123:abc", "")
	s := newTestSender(t, srv.URL)

	n := Render(sampleClip(), time.UTC)
	if err := s.Send(context.Background(), "-100123", n); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(*calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(*calls))
	}
	c := (*calls)[0]
	if c.Method != "sendPhoto" {
		t.Fatalf("method = %s, want sendPhoto", c.Method)
	}
	if c.Params["photo"] != sampleClip().ThumbnailURL {
		t.Errorf("photo = %v", c.Params["photo"])
	}
	if c.Params["chat_id"] != "-100123" {
		t.Errorf("chat_id = %v", c.Params["chat_id"])
	}
	if c.Params["parse_mode"] != "HTML" {
		t.Errorf("parse_mode = %v", c.Params["parse_mode"])
	}
	if markup, _ := c.Params["reply_markup"].(string); !strings.Contains(markup, sampleClip().URL) {
		t.Errorf("reply_markup missing clip url: %v", c.Params["reply_markup"])
	}
}

func TestTelegramSendTextWithoutThumbnail(t *testing.T) {
	srv, calls := mockBotAPI(t, "123:abc", "")
	s := newTestSender(t, srv.URL)

	c := sampleClip()
	c.ThumbnailURL = ""
	if err := s.Send(context.Background(), "@clipfeed", Render(c, time.UTC)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := (*calls)[0]; got.Method != "sendMessage" || got.Params["chat_id"] != "@clipfeed" {
		t.Fatalf("unexpected call %+v", got)
	}
}

func TestTelegramChatNotFoundIsPermanent(t *testing.T) {
	srv, _ := mockBotAPI(t, "123:abc", `{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`)
	s := newTestSender(t, srv.URL)

	err := s.Send(context.Background(), "-1", Render(sampleClip(), time.UTC))
	if !errors.Is(err, ErrDestinationGone) {
		t.Fatalf("expected ErrDestinationGone, got %v", err)
	}
}

func TestTelegramOtherErrorsAreNotPermanent(t *testing.T) {
	srv, _ := mockBotAPI(t, "123:abc", `{"ok":false,"error_code":400,"description":"Bad Request: wrong file identifier/HTTP URL specified"}`)
	s := newTestSender(t, srv.URL)

	err := s.Send(context.Background(), "-1", Render(sampleClip(), time.UTC))
	if err == nil {
		t.Fatal("expected error")
	}
	if errors.Is(err, ErrDestinationGone) {
		t.Fatalf("unexpected permanent classification: %v", err)
	}
}

func TestTelegramCancelledContext(t *testing.T) {
	srv, calls := mockBotAPI(t, "123:abc", "")
	s := newTestSender(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "-1", Render(sampleClip(), time.UTC)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(*calls) != 0 {
		t.Fatal("no request expected after cancellation")
	}
}

func TestNewTelegramSenderRequiresToken(t *testing.T) {
	if _, err := NewTelegramSender(TelegramConfig{}); err == nil {
		t.Fatal("expected error for missing token")
	}
}
