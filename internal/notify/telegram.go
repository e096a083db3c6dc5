package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hamed0406/listingwatch/internal/domain"
)

// Telegram sends through the Bot API. Destination is the chat id, Thread
// the optional forum topic id.
type Telegram struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewTelegram(baseURL, token string) *Telegram {
	if token == "" {
		return nil
	}
	return &Telegram{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type telegramMessage struct {
	ChatID                string `json:"chat_id"`
	MessageThreadID       int64  `json:"message_thread_id,omitempty"`
	Text                  string `json:"text"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (t *Telegram) Send(ctx context.Context, target domain.Target, msg Message) error {
	if target.Destination == "" {
		return &RejectedError{Reason: "telegram target has no chat id"}
	}
	out := telegramMessage{
		ChatID: target.Destination,
		Text:   msg.Title + "\n" + msg.Text,
	}
	if target.Thread != "" {
		id, err := strconv.ParseInt(target.Thread, 10, 64)
		if err != nil {
			return &RejectedError{Reason: fmt.Sprintf("invalid message thread %q", target.Thread)}
		}
		out.MessageThreadID = id
	}
	body, _ := json.Marshal(out)

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.BaseURL, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &TransientError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		// the token is part of the URL; keep it out of logs
		return &TransientError{Err: fmt.Errorf("telegram request failed: %s", redactToken(err.Error(), t.Token))}
	}
	defer resp.Body.Close()

	var tr telegramResponse
	_ = json.NewDecoder(resp.Body).Decode(&tr)
	if resp.StatusCode/100 == 2 && tr.OK {
		return nil
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RateLimitedError{
			RetryAfter: time.Duration(tr.Parameters.RetryAfter) * time.Second,
			Err:        fmt.Errorf("telegram: %s", tr.Description),
		}
	case resp.StatusCode == http.StatusBadRequest, resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return &RejectedError{Reason: fmt.Sprintf("telegram %d: %s", resp.StatusCode, tr.Description)}
	default:
		return &TransientError{Err: fmt.Errorf("telegram %d: %s", resp.StatusCode, tr.Description)}
	}
}

func redactToken(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<token>")
}
