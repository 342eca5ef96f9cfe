// Package realtime relays the server's invalidation stream onto the event
// bus, so changes made by other users reach every open feed.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"Feedsync/internal/core/events"
	"Feedsync/internal/core/posts"
)

// ErrUnknownTopic is returned for frames whose topic is not relayed
var ErrUnknownTopic = errors.New("unknown stream topic")

// Frame is one message of the stream
type Frame struct {
	Topic         string          `json:"topic"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type itemFrame struct {
	ViewerID string          `json:"viewerId"`
	Item     *posts.FeedItem `json:"item"`
}

type removedFrame struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId,omitempty"`
}

type followFrame struct {
	ViewerID string `json:"viewerId"`
	AuthorID string `json:"authorId"`
}

// Consumer decodes frames and publishes them on the bus
type Consumer struct {
	bus    *events.Bus
	logger *slog.Logger
}

// NewConsumer creates a consumer publishing to bus
func NewConsumer(bus *events.Bus, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{bus: bus, logger: logger}
}

// HandleFrame decodes one raw message and publishes it. Frames that echo a
// mutation this client already settled carry its correlation ID and are
// dropped by the bus.
func (c *Consumer) HandleFrame(ctx context.Context, data []byte) error {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("failed to parse frame: %w", err)
	}

	ev, err := decode(frame)
	if err != nil {
		return err
	}

	delivered := c.bus.Publish(ctx, ev)
	c.logger.Debug("stream event relayed",
		"topic", ev.Topic,
		"correlation_id", ev.CorrelationID,
		"delivered", delivered)
	return nil
}

// decode turns a frame into a bus event with the typed payload its topic
// subscribers expect
func decode(frame Frame) (events.Event, error) {
	ev := events.Event{Topic: frame.Topic, CorrelationID: frame.CorrelationID}

	switch frame.Topic {
	case events.TopicPostCreated, events.TopicPostUpdated,
		events.TopicPostLiked, events.TopicPostUnliked,
		events.TopicPostReposted, events.TopicPostUnreposted,
		events.TopicPostSaved, events.TopicPostUnsaved,
		events.TopicCommentCreated:
		var p itemFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return ev, fmt.Errorf("%s: invalid payload: %w", frame.Topic, err)
		}
		if p.Item == nil || p.Item.ID == "" {
			return ev, fmt.Errorf("%s: payload missing item", frame.Topic)
		}
		if frame.Topic == events.TopicCommentCreated && !p.Item.IsComment() {
			return ev, fmt.Errorf("%s: item %s has no parent", frame.Topic, p.Item.ID)
		}
		ev.Payload = events.ItemPayload{ViewerID: p.ViewerID, Item: *p.Item}

	case events.TopicPostDeleted, events.TopicCommentDeleted:
		var p removedFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return ev, fmt.Errorf("%s: invalid payload: %w", frame.Topic, err)
		}
		if p.ID == "" {
			return ev, fmt.Errorf("%s: payload missing id", frame.Topic)
		}
		ev.Payload = events.RemovedPayload{ID: p.ID, ParentID: p.ParentID}

	case events.TopicAuthorFollowed, events.TopicAuthorUnfollowed:
		var p followFrame
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return ev, fmt.Errorf("%s: invalid payload: %w", frame.Topic, err)
		}
		if p.AuthorID == "" {
			return ev, fmt.Errorf("%s: payload missing authorId", frame.Topic)
		}
		ev.Payload = events.FollowPayload{ViewerID: p.ViewerID, AuthorID: p.AuthorID}

	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownTopic, frame.Topic)
	}
	return ev, nil
}
