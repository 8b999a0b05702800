package domain

import "time"

// DeadLetter is a work item that exhausted its retry budget.
type DeadLetter struct {
	ItemID       string    `json:"item_id"`
	Payload      Payload   `json:"payload"`
	Reason       string    `json:"reason"`
	Attempts     int       `json:"attempts"`
	LastProvider string    `json:"last_provider,omitempty"`
	FailedAt     time.Time `json:"failed_at"`
}
