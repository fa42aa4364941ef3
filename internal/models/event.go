package models

import "time"

// Update event types pushed through the fanout bus.
const (
	EventBid        = "bid"
	EventAuction    = "auction"
	EventAuctionEnd = "auction_end"
)

// UpdateEvent is a transient state-change notification. It is never
// persisted; delivery is at-most-once per subscriber per batch window.
type UpdateEvent struct {
	Type      string         `json:"type"`
	Topic     string         `json:"topic"`
	Payload   map[string]any `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}

// BatchUpdate is the single frame emitted to every subscriber of a topic
// when its buffer is flushed.
type BatchUpdate struct {
	Type    string        `json:"type"`
	Topic   string        `json:"topic"`
	Count   int           `json:"count"`
	Updates []UpdateEvent `json:"updates"`
}

// NewBatchUpdate wraps a flushed buffer in the wire frame.
func NewBatchUpdate(topic string, updates []UpdateEvent) BatchUpdate {
	return BatchUpdate{
		Type:    "batch_update",
		Topic:   topic,
		Count:   len(updates),
		Updates: updates,
	}
}
