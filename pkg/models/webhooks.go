package models

import "time"

// WebhookEvent records one provider delivery. The (provider, event_id) pair
// is unique; a second delivery of the same event finds the claim already
// taken and is acknowledged without a ledger call.
type WebhookEvent struct {
	ID          string     `json:"id" db:"id"`
	Provider    string     `json:"provider" db:"provider"`
	EventID     string     `json:"event_id" db:"event_id"`
	EventType   string     `json:"event_type" db:"event_type"`
	Outcome     string     `json:"outcome" db:"outcome"`
	ReceivedAt  time.Time  `json:"received_at" db:"received_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}
