package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub pairs a publisher with a subscriber sharing one backend.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	client *redis.Client
	local  *gochannel.GoChannel
}

// Redis reports whether the pair is backed by Redis Streams.
func (p *PubSub) Redis() bool {
	return p != nil && p.client != nil
}

func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	if p.local != nil {
		return p.local.Close()
	}
	var firstErr error
	if err := p.Publisher.Close(); err != nil {
		firstErr = err
	}
	if err := p.Subscriber.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := p.client.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// BuildPubSub constructs a Redis Streams publisher/subscriber when enabled.
// If s.Enabled is false, it returns an in-memory go channel.
func BuildPubSub(s Settings, logger watermill.LoggerAdapter) (*PubSub, error) {
	if logger == nil {
		logger = NewWatermillLogger(log.Logger)
	}
	if !s.Enabled {
		buf := s.OutputBuffer
		if buf <= 0 {
			buf = DefaultSettings().OutputBuffer
		}
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: buf}, logger)
		return &PubSub{Publisher: ch, Subscriber: ch, local: ch}, nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return nil, errors.New("redisstream: addr is required when enabled")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redisstream: subscriber")
	}

	return &PubSub{Publisher: pub, Subscriber: sub, client: client}, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if it
// doesn't exist, so a first subscribe does not replay the stream's history.
// It is a no-op for the in-memory pair.
func (p *PubSub) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	if !p.Redis() {
		return nil
	}
	if strings.TrimSpace(stream) == "" || strings.TrimSpace(group) == "" {
		return errors.New("redisstream: stream and group are required")
	}
	err := p.client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "redisstream: create group")
	}
	log.Info().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
