package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Payload is the normalized generation request handed to every transport.
type Payload struct {
	Prompt      string            `json:"prompt"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"` // nil leaves the provider default
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// EstimateTokens gives a rough token cost used for TPM admission:
// about four characters per prompt token plus the completion budget.
func (p Payload) EstimateTokens() int {
	n := len(p.Prompt)/4 + p.MaxTokens
	if n < 1 {
		n = 1
	}
	return n
}

// WorkItem is one unit of generation work with a stable identity.
type WorkItem struct {
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
}

// NewWorkItem builds an item, deriving the ID from the prompt when none is given.
func NewWorkItem(id string, payload Payload) WorkItem {
	if id == "" {
		sum := sha256.Sum256([]byte(payload.Prompt))
		id = hex.EncodeToString(sum[:8])
	}
	return WorkItem{ID: id, Payload: payload}
}

// Record is one checkpointed artifact, written as a single output line.
type Record struct {
	ItemID    string            `json:"item_id"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	Content   string            `json:"content"`
	LatencyMS int64             `json:"latency_ms"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}
