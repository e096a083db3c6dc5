package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hamed0406/listingwatch/internal/domain"
)

// Slack posts to an incoming webhook. The webhook URL is the target's
// Destination, so each query can post to its own channel.
type Slack struct {
	Client *http.Client
}

func NewSlack() *Slack {
	return &Slack{Client: &http.Client{Timeout: 10 * time.Second}}
}

type slackPayload struct {
	Text string `json:"text"`
}

func (s *Slack) Send(ctx context.Context, target domain.Target, msg Message) error {
	if target.Destination == "" {
		return &RejectedError{Reason: "slack target has no webhook"}
	}
	body, _ := json.Marshal(slackPayload{Text: "*" + msg.Title + "*\n" + msg.Text})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Destination, bytes.NewReader(body))
	if err != nil {
		return &RejectedError{Reason: "bad webhook url"}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()
	text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return classifyStatus(resp.StatusCode, resp.Header, string(text))
}
