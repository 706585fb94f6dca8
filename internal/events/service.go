package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

// LocalSink receives events for in-process delivery; the websocket hub
// implements it.
type LocalSink interface {
	Publish(pollID string, event types.Event)
}

// Service is the event pipeline: every published event reaches the local
// sink, and, when a Redis publisher is configured, all sibling processes.
type Service struct {
	log       *zap.SugaredLogger
	sink      LocalSink
	publisher *RedisPublisher
}

func NewService(sink LocalSink, publisher *RedisPublisher) *Service {
	return &Service{
		log:       logger.GetLogger().Named("event_service"),
		sink:      sink,
		publisher: publisher,
	}
}

// Publish routes an event locally and relays it to other processes. Local
// delivery never fails; relay errors are logged and swallowed, live updates
// are best effort.
func (s *Service) Publish(ctx context.Context, pollID string, event types.Event) {
	s.sink.Publish(pollID, event)

	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, pollID, event); err != nil {
		s.log.Warnw("Failed to relay event", "error", err, "pollId", pollID, "type", event.Type)
	}
}

// StartRelay consumes events relayed by sibling processes and feeds them to
// the local sink. No-op without a Redis publisher.
func (s *Service) StartRelay(ctx context.Context) {
	if s.publisher == nil {
		return
	}
	go s.publisher.Listen(ctx, func(pollID string, event types.Event) {
		s.sink.Publish(pollID, event)
	})
}

// Broadcast implements models.Broadcaster: it shapes a types.Event from a
// payload and publishes it on the poll's channel.
func (s *Service) Broadcast(ctx context.Context, poll *types.Poll, eventType types.EventType, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.log.Errorw("Failed to marshal event payload", "error", err, "type", eventType)
			return
		}
		raw = data
	}

	s.Publish(ctx, poll.ID, types.Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		PollID:    poll.ID,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}
