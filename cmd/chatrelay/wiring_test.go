package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/backend/scripted"
	"github.com/go-go-golems/chatrelay/pkg/catalog"
	"github.com/go-go-golems/chatrelay/pkg/config"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/relay/relaytest"
)

func testSettings(t *testing.T) *config.Settings {
	t.Helper()
	t.Setenv("CHATRELAY_BACKEND_KIND", "scripted")
	t.Setenv("CHATRELAY_STORE_DRIVER", "memory")
	s, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	return s
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, initLogger("debug"))
	require.NoError(t, initLogger(""))
	require.Error(t, initLogger("chatty"))
}

func TestBuildBackendAndBudget(t *testing.T) {
	s := testSettings(t)
	cat, err := catalog.Default()
	require.NoError(t, err)

	b, err := buildBackend(s, cat)
	require.NoError(t, err)
	require.IsType(t, &scripted.Backend{}, b)

	s.Backend.Kind = "openrouter"
	s.Backend.APIKey = "sk-test"
	_, err = buildBackend(s, cat)
	require.NoError(t, err)

	budget, err := buildBudget(s, cat)
	require.NoError(t, err)
	require.Equal(t, 4000, budget.MaxTokens)
	require.Equal(t, 2, budget.MinTurns)

	s.Context.TokenBudget = 0
	budget, err = buildBudget(s, cat)
	require.NoError(t, err)
	require.Nil(t, budget)
}

func TestDispatcherOptionsMapping(t *testing.T) {
	s := testSettings(t)
	s.AdminIDs = []int64{5, 6}
	cat, err := catalog.Default()
	require.NoError(t, err)
	opts := dispatcherOptions(s, cat, relay.NewMemoryStore(), scripted.New(), relaytest.NewTransport(), nil, nil)
	require.Equal(t, []relay.UserID{5, 6}, opts.Admins)
	require.Equal(t, cat.DefaultModel, opts.Defaults.Model)
	require.Equal(t, s.RateLimit.Messages, opts.RateLimit.Messages)
	require.Equal(t, s.Pump.FlushInterval, opts.Pump.FlushInterval)
	require.Equal(t, s.Store.Timeout, opts.StoreTimeout)
}

func TestBuildEvents(t *testing.T) {
	s := testSettings(t)
	s.Events.Enabled = false
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus, err := buildEvents(ctx, s)
	require.NoError(t, err)
	require.Nil(t, bus.eventSink())
	bus.close()

	s.Events.Enabled = true
	bus, err = buildEvents(ctx, s)
	require.NoError(t, err)
	defer bus.close()
	require.NotNil(t, bus.eventSink())

	require.NoError(t, bus.consumer.Start(ctx))
	require.NoError(t, bus.sink.Publish(ctx, relay.Event{ID: "1", Type: relay.EventBanned, UserID: 3}))
	require.Eventually(t, func() bool {
		return bus.tally.Counts()[relay.EventBanned] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBuildEventsRedisCreatesGroupFirst(t *testing.T) {
	s := testSettings(t)
	s.Events.Enabled = true
	s.Events.Redis.Enabled = true
	s.Events.Redis.Addr = "127.0.0.1:1"

	_, err := buildEvents(context.Background(), s)
	require.Error(t, err)
	require.Contains(t, err.Error(), "create event consumer group")
}

func TestBuildGroupOptions(t *testing.T) {
	s := testSettings(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := buildGroupOptions(ctx, s)
	require.Equal(t, "chatrelay", opts.BotName)
	require.NotNil(t, opts.Limiter)
	require.Equal(t, s.Groups.Messages, opts.Limiter.Stats().Capacity)

	s.Groups.Messages = 0
	require.Nil(t, buildGroupOptions(ctx, s).Limiter)
}

func TestBuildRelayServer(t *testing.T) {
	s := testSettings(t)
	s.AdminToken = "tok"
	s.Store.Driver = "sqlite"
	s.Store.Path = filepath.Join(t.TempDir(), "relay.db")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rs, err := buildRelayServer(ctx, s)
	require.NoError(t, err)
	defer func() {
		rs.bus.close()
		_ = rs.store.Close()
	}()

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer tok")
	rec := httptest.NewRecorder()
	rs.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
