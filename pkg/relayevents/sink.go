// Package relayevents carries relay lifecycle events over watermill.
package relayevents

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const DefaultTopic = "relay.events"

const (
	metaEventType = "event_type"
	metaStreamID  = "stream_id"
)

// WatermillSink publishes events as JSON messages on a single topic.
type WatermillSink struct {
	pub   message.Publisher
	topic string
}

var _ relay.EventSink = &WatermillSink{}

func NewWatermillSink(pub message.Publisher, topic string) *WatermillSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &WatermillSink{pub: pub, topic: topic}
}

func (s *WatermillSink) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

func (s *WatermillSink) Publish(ctx context.Context, ev relay.Event) error {
	if s == nil || s.pub == nil {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "relayevents: marshal event")
	}
	msg := message.NewMessage(ev.ID, b)
	msg.SetContext(ctx)
	msg.Metadata.Set(metaEventType, string(ev.Type))
	if ev.StreamID != "" {
		msg.Metadata.Set(metaStreamID, ev.StreamID)
	}
	if err := s.pub.Publish(s.topic, msg); err != nil {
		return errors.Wrap(err, "relayevents: publish")
	}
	return nil
}

func decode(payload []byte) (relay.Event, error) {
	var ev relay.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return relay.Event{}, errors.Wrap(err, "relayevents: decode event")
	}
	if ev.Type == "" {
		return relay.Event{}, errors.New("relayevents: event without type")
	}
	return ev, nil
}
