package types

import (
	"encoding/json"
	"time"
)

// EventType identifies a live-dispatcher message.
type EventType string

const (
	EventTypeSlotUpdate  EventType = "slot_update"
	EventTypeVoteUpdate  EventType = "vote_update"
	EventTypeViewerCount EventType = "viewer_count"
	EventTypePollUpdated EventType = "poll_updated"
	EventTypePollDeleted EventType = "poll_deleted"
)

// Event is one message on a poll channel. Payload is pre-encoded JSON so the
// dispatcher never re-marshals per subscriber.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	PollID    string          `json:"pollId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// SlotUpdatePayload carries post-commit per-option counts for organization
// polls.
type SlotUpdatePayload struct {
	Slots map[int64]SlotStatus `json:"slots"`
}

// ViewerCountPayload carries the current subscriber count of a channel.
type ViewerCountPayload struct {
	Viewers int `json:"viewers"`
}
