package domain

import "time"

type NotificationState string

const (
	StatePending         NotificationState = "pending"
	StateSent            NotificationState = "sent"
	StateFailedPermanent NotificationState = "failed_permanent"
)

type PendingNotification struct {
	ID            string            `json:"id"`
	QueryID       QueryID           `json:"query_id"`
	ExternalID    string            `json:"external_id"`
	Target        Target            `json:"target"`
	Payload       map[string]string `json:"payload"`
	RetryCount    int               `json:"retry_count"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	State         NotificationState `json:"state"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	SentAt        *time.Time        `json:"sent_at,omitempty"`
}
