package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/backend/openrouter"
	"github.com/go-go-golems/chatrelay/pkg/backend/scripted"
	"github.com/go-go-golems/chatrelay/pkg/catalog"
	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/persistence/relaystore"
	"github.com/go-go-golems/chatrelay/pkg/redisstream"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/relayevents"
	"github.com/go-go-golems/chatrelay/pkg/tokens"
	"github.com/go-go-golems/chatrelay/pkg/transport/wschat"
)

func buildStore(s *config.Settings) (relay.Store, error) {
	store, err := relaystore.Open(s.Store.Settings)
	if err != nil {
		return nil, errors.Wrap(err, "open relay store")
	}
	return store, nil
}

func buildBackend(s *config.Settings, cat *catalog.Catalog) (relay.Backend, error) {
	switch s.Backend.Kind {
	case "scripted":
		log.Warn().Str("component", "chatrelay").Msg("using the scripted echo backend")
		return scripted.New(scripted.WithEcho()), nil
	case "openrouter":
		return openrouter.New(openrouter.Config{
			APIKey:      s.Backend.APIKey,
			BaseURL:     s.Backend.BaseURL,
			Referer:     s.Backend.Referer,
			Title:       s.Backend.Title,
			Model:       cat.DefaultModel,
			Temperature: s.Backend.Temperature,
			MaxTokens:   s.Backend.MaxTokens,
		})
	default:
		return nil, errors.Errorf("unknown backend kind %q", s.Backend.Kind)
	}
}

func buildBudget(s *config.Settings, cat *catalog.Catalog) (*relay.TokenBudget, error) {
	if s.Context.TokenBudget <= 0 {
		return nil, nil
	}
	counter, err := tokens.NewCounter(s.Context.Counter, cat.DefaultModel)
	if err != nil {
		return nil, err
	}
	budget := relay.NewTokenBudget(s.Context.TokenBudget, counter)
	if s.Context.MinTurns > 0 {
		budget.MinTurns = s.Context.MinTurns
	}
	return budget, nil
}

// eventBus is the optional lifecycle event pipeline.
type eventBus struct {
	pubsub   *redisstream.PubSub
	sink     *relayevents.WatermillSink
	consumer *relayevents.Consumer
	tally    *relayevents.Tally
}

func buildEvents(ctx context.Context, s *config.Settings) (*eventBus, error) {
	if !s.Events.Enabled {
		return &eventBus{}, nil
	}
	ps, err := redisstream.BuildPubSub(s.Events.Redis, redisstream.NewWatermillLogger(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "build event pubsub")
	}
	if s.Events.Redis.Enabled {
		gctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := ps.EnsureGroupAtTail(gctx, s.Events.Topic, s.Events.Redis.Group)
		cancel()
		if err != nil {
			_ = ps.Close()
			return nil, errors.Wrap(err, "create event consumer group")
		}
	}
	tally := relayevents.NewTally(s.Events.Recent)
	return &eventBus{
		pubsub:   ps,
		sink:     relayevents.NewWatermillSink(ps.Publisher, s.Events.Topic),
		consumer: relayevents.NewConsumer(ps.Subscriber, s.Events.Topic, tally.Handle),
		tally:    tally,
	}, nil
}

// eventSink returns nil when events are disabled so the Dispatcher skips publishing.
func (b *eventBus) eventSink() relay.EventSink {
	if b == nil || b.sink == nil {
		return nil
	}
	return b.sink
}

func (b *eventBus) close() {
	if b == nil {
		return
	}
	b.consumer.Stop()
	if err := b.pubsub.Close(); err != nil {
		log.Error().Err(err).Msg("event pubsub close error")
	}
}

func dispatcherOptions(s *config.Settings, cat *catalog.Catalog, store relay.Store, backend relay.Backend, transport relay.Transport, events relay.EventSink, budget *relay.TokenBudget) relay.Options {
	admins := make([]relay.UserID, 0, len(s.AdminIDs))
	for _, id := range s.AdminIDs {
		admins = append(admins, relay.UserID(id))
	}
	return relay.Options{
		Store:     store,
		Backend:   backend,
		Transport: transport,
		Events:    events,
		Personas:  cat,
		Defaults:  cat.Defaults(),
		MaxTurns:  s.Context.MaxTurns,
		RateLimit: relay.RateLimitConfig{
			Messages:        s.RateLimit.Messages,
			Window:          s.RateLimit.Window,
			CleanupInterval: s.RateLimit.CleanupInterval,
			StaleAfter:      s.RateLimit.StaleAfter,
		},
		Pump: relay.PumpConfig{
			FlushInterval:   s.Pump.FlushInterval,
			MinFlushChars:   s.Pump.MinFlushChars,
			MaxMessageRunes: s.Pump.MaxMessageRunes,
			NoticeTimeout:   s.Pump.NoticeTimeout,
		},
		Broadcast: relay.BroadcastConfig{
			Concurrency:    s.Broadcast.Concurrency,
			PreemptStreams: s.Broadcast.PreemptStreams,
		},
		Budget:         budget,
		Admins:         admins,
		BackendTimeout: s.Backend.Timeout,
		StoreTimeout:   s.Store.Timeout,
	}
}

// buildGroupOptions returns the group chat policy. The group limiter's cleanup
// loop runs until ctx is done.
func buildGroupOptions(ctx context.Context, s *config.Settings) wschat.GroupOptions {
	opts := wschat.GroupOptions{BotName: s.Groups.BotName}
	if s.Groups.Messages > 0 {
		opts.Limiter = relay.NewRateLimiter(s.Groups.Messages, s.Groups.Window)
		opts.Limiter.StartCleanupLoop(ctx, s.RateLimit.CleanupInterval, s.RateLimit.StaleAfter)
	}
	return opts
}

const shutdownTimeout = 30 * time.Second
