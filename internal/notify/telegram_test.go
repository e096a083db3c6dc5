package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"

	"github.com/hamed0406/listingwatch/internal/domain"
)

const sendURL = "https://api.telegram.test/botTOKEN/sendMessage"

func newTestTelegram(transport http.RoundTripper) *Telegram {
	tg := NewTelegram("https://api.telegram.test/", "TOKEN")
	tg.Client = &http.Client{Transport: transport}
	return tg
}

func TestTelegram_SendsToChatAndThread(t *testing.T) {
	transport := httpmock.NewMockTransport()
	var sent telegramMessage
	transport.RegisterResponder("POST", sendURL, func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&sent); err != nil {
			return nil, err
		}
		return httpmock.NewJsonResponse(200, map[string]any{"ok": true})
	})

	tg := newTestTelegram(transport)
	err := tg.Send(context.Background(),
		domain.Target{Channel: "telegram", Destination: "-100123", Thread: "42"},
		Message{Title: "Road bike", Text: "250 EUR"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if sent.ChatID != "-100123" || sent.MessageThreadID != 42 || !strings.HasPrefix(sent.Text, "Road bike") {
		t.Fatalf("unexpected request: %+v", sent)
	}
	if transport.GetTotalCallCount() != 1 {
		t.Fatalf("want one call, got %d", transport.GetTotalCallCount())
	}
}

func TestTelegram_RateLimitCarriesRetryAfter(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("POST", sendURL, httpmock.NewJsonResponderOrPanic(429, map[string]any{
		"ok":          false,
		"error_code":  429,
		"description": "Too Many Requests: retry after 30",
		"parameters":  map[string]any{"retry_after": 30},
	}))

	err := newTestTelegram(transport).Send(context.Background(), domain.Target{Destination: "1"}, Message{Title: "x"})
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter != 30*time.Second {
		t.Fatalf("want 30s rate limit, got %v", err)
	}
}

func TestTelegram_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		label  string
	}{
		{400, "rejected"},
		{403, "rejected"},
		{502, "transient"},
	}
	for _, tt := range tests {
		transport := httpmock.NewMockTransport()
		transport.RegisterResponder("POST", sendURL, httpmock.NewJsonResponderOrPanic(tt.status, map[string]any{
			"ok": false, "error_code": tt.status, "description": "nope",
		}))
		err := newTestTelegram(transport).Send(context.Background(), domain.Target{Destination: "1"}, Message{})
		if got := ErrorLabel(err); got != tt.label {
			t.Fatalf("status %d: label %q want %q (%v)", tt.status, got, tt.label, err)
		}
	}
}

func TestTelegram_NetworkErrorHidesToken(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder("POST", sendURL, httpmock.NewErrorResponder(errors.New("dial tcp: i/o timeout")))

	err := newTestTelegram(transport).Send(context.Background(), domain.Target{Destination: "1"}, Message{})
	var te *TransientError
	if !errors.As(err, &te) {
		t.Fatalf("want TransientError, got %v", err)
	}
	if strings.Contains(err.Error(), "TOKEN") {
		t.Fatalf("token leaked in error: %v", err)
	}
}

func TestTelegram_BadThreadIsRejected(t *testing.T) {
	err := newTestTelegram(httpmock.NewMockTransport()).Send(context.Background(),
		domain.Target{Destination: "1", Thread: "general"}, Message{})
	var rej *RejectedError
	if !errors.As(err, &rej) {
		t.Fatalf("want RejectedError, got %v", err)
	}
}

func TestNewTelegram_DisabledWithoutToken(t *testing.T) {
	if NewTelegram("https://api.telegram.org", "") != nil {
		t.Fatalf("want nil channel without token")
	}
}
