package relayevents

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// Handler receives decoded events. It runs on the consumer goroutine.
type Handler func(ctx context.Context, ev relay.Event)

// Consumer subscribes to the event topic and hands every decoded event to a handler.
// Messages are acked whether or not they decode.
type Consumer struct {
	subscriber message.Subscriber
	topic      string
	handler    Handler

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	done    chan struct{}
}

func NewConsumer(subscriber message.Subscriber, topic string, handler Handler) *Consumer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Consumer{subscriber: subscriber, topic: topic, handler: handler}
}

func (c *Consumer) Start(ctx context.Context) error {
	if c == nil || c.subscriber == nil {
		return nil
	}
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := c.subscriber.Subscribe(runCtx, c.topic)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return errors.Wrap(err, "relayevents: subscribe")
	}
	c.cancel = cancel
	c.running = true
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.consume(runCtx, ch, done)
	return nil
}

func (c *Consumer) Stop() {
	if c == nil {
		return
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = nil
	c.running = false
	c.mu.Unlock()
}

// Done is closed when the consume loop exits. It is nil before Start.
func (c *Consumer) Done() <-chan struct{} {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *Consumer) IsRunning() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) consume(ctx context.Context, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	log.Info().Str("component", "relayevents").Str("topic", c.topic).Msg("event consumer: started")
	for {
		select {
		case <-ctx.Done():
			c.finish(done)
			return
		case msg, ok := <-ch:
			if !ok {
				c.finish(done)
				return
			}
			ev, err := decode(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("component", "relayevents").Str("message_uuid", msg.UUID).Msg("event consumer: failed to decode event")
				msg.Ack()
				continue
			}
			if c.handler != nil {
				c.handler(ctx, ev)
			}
			msg.Ack()
		}
	}
}

func (c *Consumer) finish(done chan struct{}) {
	log.Info().Str("component", "relayevents").Str("topic", c.topic).Msg("event consumer: stopped")
	c.mu.Lock()
	if c.done == done {
		c.running = false
		c.cancel = nil
	}
	c.mu.Unlock()
}
