package relayevents

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

const defaultRecent = 50

// Tally counts events by type and keeps the most recent ones.
type Tally struct {
	mu     sync.Mutex
	counts map[relay.EventType]int64
	recent []relay.Event
	max    int
}

func NewTally(recent int) *Tally {
	if recent <= 0 {
		recent = defaultRecent
	}
	return &Tally{counts: map[relay.EventType]int64{}, max: recent}
}

// Handle records ev and writes it to the log.
func (t *Tally) Handle(_ context.Context, ev relay.Event) {
	level := zerolog.DebugLevel
	switch ev.Type {
	case relay.EventStreamFailed, relay.EventStreamTimedOut:
		level = zerolog.WarnLevel
	case relay.EventBanned, relay.EventUnbanned, relay.EventBroadcast:
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).
		Str("component", "relayevents").
		Str("event", string(ev.Type)).
		Int64("user_id", int64(ev.UserID)).
		Str("stream_id", ev.StreamID).
		Str("detail", ev.Detail).
		Msg("relay event")

	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[ev.Type]++
	t.recent = append(t.recent, ev)
	if over := len(t.recent) - t.max; over > 0 {
		t.recent = append(t.recent[:0:0], t.recent[over:]...)
	}
}

func (t *Tally) Counts() map[relay.EventType]int64 {
	out := map[relay.EventType]int64{}
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// Recent returns the retained events, oldest first.
func (t *Tally) Recent() []relay.Event {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]relay.Event(nil), t.recent...)
}
