package relay_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/chatrelay/pkg/backend/scripted"
	"github.com/go-go-golems/chatrelay/pkg/relay"
	"github.com/go-go-golems/chatrelay/pkg/relay/relaytest"
)

type fixture struct {
	d       *relay.Dispatcher
	tr      *relaytest.Transport
	backend *scripted.Backend
	store   *relaytest.FaultyStore
	sink    *relaytest.RecordingSink
}

func newFixture(t *testing.T, mutate func(*relay.Options)) *fixture {
	t.Helper()
	f := &fixture{
		tr:      relaytest.NewTransport(),
		backend: scripted.New(scripted.WithFallback(scripted.Script{Fragments: []string{"ok"}})),
		store:   relaytest.NewFaultyStore(relay.NewMemoryStore()),
		sink:    &relaytest.RecordingSink{},
	}
	opts := relay.Options{
		Store:     f.store,
		Backend:   f.backend,
		Transport: f.tr,
		Events:    f.sink,
		Defaults:  relay.SessionDefaults{Model: "m1", Persona: "default"},
		MaxTurns:  20,
		RateLimit: relay.RateLimitConfig{Messages: 10, Window: time.Minute},
		Pump:      relay.PumpConfig{FlushInterval: time.Millisecond, MinFlushChars: 1},
	}
	if mutate != nil {
		mutate(&opts)
	}
	d, err := relay.NewDispatcher(opts)
	require.NoError(t, err)
	f.d = d
	return f
}

func msg(userID relay.UserID, text string) relay.InboundEvent {
	return relay.InboundEvent{UserID: userID, ChatType: relay.ChatPrivate, Text: text}
}

func (f *fixture) startHeld(t *testing.T, userID relay.UserID, partial string) <-chan admitOutcome {
	t.Helper()
	f.backend.Push(scripted.Script{Fragments: []string{partial}, Hold: true})
	out := make(chan admitOutcome, 1)
	go func() {
		res, err := f.d.Admit(context.Background(), msg(userID, "go"))
		out <- admitOutcome{res: res, err: err}
	}()
	require.Eventually(t, func() bool { return f.tr.HasTextContaining(partial) }, time.Second, time.Millisecond)
	require.NotNil(t, f.d.Registry().ActiveStream(userID))
	return out
}

type admitOutcome struct {
	res relay.Result
	err error
}

func waitOutcome(t *testing.T, ch <-chan admitOutcome) admitOutcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("admit did not return")
		return admitOutcome{}
	}
}

func roles(turns []relay.Turn) []string {
	out := make([]string, 0, len(turns))
	for _, t := range turns {
		out = append(out, string(t.Role)+":"+t.Content)
	}
	return out
}

type personas map[string]string

func (p personas) HasModel(model string) bool { return model == "m1" || model == "m2" }

func (p personas) SystemPrompt(name string) (string, bool) {
	prompt, ok := p[name]
	return prompt, ok
}

type panicBackend struct{}

func (panicBackend) Invoke(ctx context.Context, req relay.Request) (relay.FragmentStream, error) {
	panic("backend exploded")
}

func TestAdmitStreamsReplyAndCommitsBothTurns(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Reply("Hi", " there")

	res, err := f.d.Admit(context.Background(), msg(1, "  hello  "))
	require.NoError(t, err)
	require.Equal(t, relay.StatusCompleted, res.Status)
	require.Equal(t, "Hi there", res.Text)

	sent := f.tr.Sent(1)
	require.Equal(t, relay.DefaultNotices().Thinking, sent[0])
	require.Equal(t, "Hi there", f.tr.Text(f.tr.Messages(1)[0]))

	turns, err := f.d.Context(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{
		"system:" + relay.DefaultSystemPrompt,
		"user:hello",
		"assistant:Hi there",
	}, roles(turns))

	calls := f.backend.Calls()
	require.Len(t, calls, 1)
	require.Equal(t, "m1", calls[0].Model)
	require.Equal(t, []string{"system:" + relay.DefaultSystemPrompt, "user:hello"}, roles(calls[0].Context))

	rows, err := f.store.LoadContext(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Nil(t, f.d.Registry().ActiveStream(1))
}

func TestAdmitRejectsEmptyText(t *testing.T) {
	f := newFixture(t, nil)
	res, err := f.d.Admit(context.Background(), msg(1, "   "))
	require.ErrorIs(t, err, relay.ErrEmptyMessage)
	require.Equal(t, relay.StatusRejected, res.Status)
	require.Empty(t, f.backend.Calls())
}

func TestAdmitRejectsSecondMessageWhileStreaming(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.RateLimit.Messages = 2 })
	first := f.startHeld(t, 1, "thinking hard")

	res, err := f.d.Admit(context.Background(), msg(1, "are you there?"))
	require.ErrorIs(t, err, relay.ErrAlreadyStreaming)
	require.Equal(t, relay.StatusRejected, res.Status)
	require.Contains(t, f.tr.Sent(1), relay.DefaultNotices().Wait)

	f.d.Gate().Preempt(1, errors.New("test finished"))
	o := waitOutcome(t, first)
	require.Equal(t, relay.StatusCancelled, o.res.Status)

	// the rejected message did not spend the second token
	res, err = f.d.Admit(context.Background(), msg(1, "again"))
	require.NoError(t, err)
	require.Equal(t, relay.StatusCompleted, res.Status)
}

func TestAdmitRateLimitsAndReportsRetryAfter(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.RateLimit = relay.RateLimitConfig{Messages: 2, Window: time.Minute} })

	for i := 0; i < 2; i++ {
		_, err := f.d.Admit(context.Background(), msg(1, fmt.Sprintf("m%d", i)))
		require.NoError(t, err)
	}
	res, err := f.d.Admit(context.Background(), msg(1, "one too many"))
	require.ErrorIs(t, err, relay.ErrRateLimited)
	require.Equal(t, relay.StatusRejected, res.Status)

	var rl *relay.RateLimitedError
	require.True(t, errors.As(err, &rl))
	require.Greater(t, rl.RetryAfter, time.Duration(0))
	require.LessOrEqual(t, rl.RetryAfter, 30*time.Second)
	require.True(t, f.tr.HasTextContaining("Rate limit reached"))
	require.Len(t, f.backend.Calls(), 2)

	// other users are unaffected
	_, err = f.d.Admit(context.Background(), msg(2, "hi"))
	require.NoError(t, err)

	f.d.ResetRateLimit(1)
	_, err = f.d.Admit(context.Background(), msg(1, "after reset"))
	require.NoError(t, err)
}

func TestAdminsBypassRateLimit(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) {
		o.RateLimit.Messages = 1
		o.Admins = []relay.UserID{9}
	})
	for i := 0; i < 3; i++ {
		_, err := f.d.Admit(context.Background(), msg(9, "admin says hi"))
		require.NoError(t, err)
	}
}

func TestBannedUserIsRejectedWithoutConsumingToken(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.RateLimit.Messages = 1 })
	require.NoError(t, f.d.Ban(context.Background(), 1))

	res, err := f.d.Admit(context.Background(), msg(1, "let me in"))
	require.ErrorIs(t, err, relay.ErrBanned)
	require.Equal(t, relay.StatusRejected, res.Status)
	require.Equal(t, []string{relay.DefaultNotices().Banned}, f.tr.Sent(1))
	require.Empty(t, f.backend.Calls())

	require.NoError(t, f.d.Unban(context.Background(), 1))
	_, err = f.d.Admit(context.Background(), msg(1, "thanks"))
	require.NoError(t, err)
}

func TestBanCancelsActiveStreamAndDropsAssistantTurn(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.startHeld(t, 1, "partial reply")

	start := time.Now()
	require.NoError(t, f.d.Ban(context.Background(), 1))
	o := waitOutcome(t, ch)
	require.Less(t, time.Since(start), time.Second)

	require.Equal(t, relay.StatusCancelled, o.res.Status)
	require.ErrorIs(t, o.err, relay.ErrCancelled)
	require.ErrorIs(t, o.err, relay.ErrBanned)
	require.True(t, f.tr.HasTextContaining("partial reply\n\n"+relay.DefaultNotices().Banned))

	turns, err := f.d.Context(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"system:" + relay.DefaultSystemPrompt, "user:go"}, roles(turns))
	require.Nil(t, f.d.Registry().ActiveStream(1))

	_, err = f.d.Admit(context.Background(), msg(1, "still here"))
	require.ErrorIs(t, err, relay.ErrBanned)

	state, err := f.d.Session(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, state.Banned)
}

func TestCannotBanAdmin(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.Admins = []relay.UserID{5} })
	require.ErrorIs(t, f.d.Ban(context.Background(), 5), relay.ErrCannotBanAdmin)
}

func TestContextStaysBoundedAcrossExchanges(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.MaxTurns = 4 })
	for i := 1; i <= 3; i++ {
		_, err := f.d.Admit(context.Background(), msg(1, fmt.Sprintf("q%d", i)))
		require.NoError(t, err)
	}
	turns, err := f.d.Context(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{
		"system:" + relay.DefaultSystemPrompt,
		"user:q2", "assistant:ok",
		"user:q3", "assistant:ok",
	}, roles(turns))
}

func TestClearStartsNewConversation(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.d.Admit(context.Background(), msg(1, "remember me"))
	require.NoError(t, err)

	require.NoError(t, f.d.Clear(context.Background(), 1))
	turns, err := f.d.Context(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"system:" + relay.DefaultSystemPrompt}, roles(turns))

	rows, err := f.store.LoadContext(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = f.d.Admit(context.Background(), msg(1, "fresh"))
	require.NoError(t, err)
	calls := f.backend.Calls()
	require.Equal(t, []string{"system:" + relay.DefaultSystemPrompt, "user:fresh"}, roles(calls[len(calls)-1].Context))
}

func TestCommandsAreRejectedWhileStreaming(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.startHeld(t, 1, "busy busy")

	ctx := context.Background()
	require.ErrorIs(t, f.d.Clear(ctx, 1), relay.ErrAlreadyStreaming)
	require.ErrorIs(t, f.d.SetModel(ctx, 1, "m2"), relay.ErrAlreadyStreaming)
	require.ErrorIs(t, f.d.SetPersona(ctx, 1, "default"), relay.ErrAlreadyStreaming)

	f.d.Gate().Preempt(1, errors.New("done"))
	waitOutcome(t, ch)
	require.NoError(t, f.d.Clear(ctx, 1))
}

func TestSetModelAndPersonaAreValidated(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) {
		o.Personas = personas{"default": "be helpful", "pirate": "talk like a pirate"}
	})
	ctx := context.Background()

	require.ErrorIs(t, f.d.SetModel(ctx, 1, "nope"), relay.ErrUnknownModel)
	require.ErrorIs(t, f.d.SetPersona(ctx, 1, "ghost"), relay.ErrUnknownPersona)

	require.NoError(t, f.d.SetModel(ctx, 1, "m2"))
	require.NoError(t, f.d.SetPersona(ctx, 1, "pirate"))

	_, err := f.d.Admit(ctx, msg(1, "ahoy"))
	require.NoError(t, err)
	call := f.backend.Calls()[0]
	require.Equal(t, "m2", call.Model)
	require.Equal(t, "pirate", call.Persona)
	require.Equal(t, "system:talk like a pirate", roles(call.Context)[0])

	state, ok, err := f.store.LoadSession(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "m2", state.Model)
	require.Equal(t, "pirate", state.Persona)
}

func TestBackendInvokeFailureKeepsUserTurn(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Push(scripted.Script{InvokeErr: errors.New("503 service unavailable")})

	res, err := f.d.Admit(context.Background(), msg(1, "hello?"))
	require.ErrorIs(t, err, relay.ErrBackendFailure)
	require.Equal(t, relay.StatusFailed, res.Status)
	require.Equal(t, relay.DefaultNotices().Failed, f.tr.Text(f.tr.Messages(1)[0]))

	turns, err := f.d.Context(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"system:" + relay.DefaultSystemPrompt, "user:hello?"}, roles(turns))

	_, err = f.d.Admit(context.Background(), msg(1, "retry"))
	require.NoError(t, err)
}

func TestBackendTimeoutEndsStream(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.BackendTimeout = 30 * time.Millisecond })
	f.backend.Push(scripted.Script{Fragments: []string{"slow"}, Hold: true})

	res, err := f.d.Admit(context.Background(), msg(1, "take your time"))
	require.ErrorIs(t, err, relay.ErrBackendTimeout)
	require.Equal(t, relay.StatusTimedOut, res.Status)
	require.True(t, f.tr.HasTextContaining(relay.DefaultNotices().TimedOut))
	require.Nil(t, f.d.Registry().ActiveStream(1))
}

func TestPanickingBackendIsReportedAsFailure(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.Backend = panicBackend{} })

	res, err := f.d.Admit(context.Background(), msg(1, "boom?"))
	require.ErrorIs(t, err, relay.ErrBackendFailure)
	require.Equal(t, relay.StatusFailed, res.Status)
	require.Equal(t, relay.DefaultNotices().Failed, f.tr.Text(f.tr.Messages(1)[0]))
	require.Nil(t, f.d.Registry().ActiveStream(1))
}

func TestStoreFailureDuringHydrationLeavesSessionUnloaded(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Fail(relaytest.OpLoadSession, errors.New("disk on fire"))

	_, err := f.d.Admit(context.Background(), msg(1, "hello"))
	require.ErrorIs(t, err, relay.ErrStoreFailure)
	var se *relay.StoreError
	require.True(t, errors.As(err, &se))
	require.Equal(t, "load session", se.Op)
	require.Empty(t, f.backend.Calls())

	f.store.Fail(relaytest.OpLoadSession, nil)
	_, err = f.d.Admit(context.Background(), msg(1, "hello again"))
	require.NoError(t, err)
}

func TestStoreFailureOnUserTurnAbortsBeforeBackend(t *testing.T) {
	f := newFixture(t, nil)
	f.store.Fail(relaytest.OpAppendRow, errors.New("read-only"))

	res, err := f.d.Admit(context.Background(), msg(1, "hello"))
	require.ErrorIs(t, err, relay.ErrStoreFailure)
	require.Equal(t, relay.StatusRejected, res.Status)
	require.Empty(t, f.backend.Calls())
	require.Nil(t, f.d.Registry().ActiveStream(1))

	turns, err := f.d.Context(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"system:" + relay.DefaultSystemPrompt}, roles(turns))
}

func TestSessionHydratesFromStore(t *testing.T) {
	ctx := context.Background()
	store := relay.NewMemoryStore()
	now := time.Now()
	require.NoError(t, store.SaveSession(ctx, relay.SessionState{UserID: 1, Model: "m9", Persona: "default", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.AppendContextRow(ctx, 1, relay.Turn{Role: relay.RoleUser, Content: "earlier", Timestamp: now}))
	require.NoError(t, store.AppendContextRow(ctx, 1, relay.Turn{Role: relay.RoleAssistant, Content: "noted", Timestamp: now}))

	f := newFixture(t, func(o *relay.Options) { o.Store = store })
	state, err := f.d.Session(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "m9", state.Model)

	turns, err := f.d.Context(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, []string{"system:" + relay.DefaultSystemPrompt, "user:earlier", "assistant:noted"}, roles(turns))
}

func TestBroadcastSkipsBannedAndRecordsFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for _, id := range []relay.UserID{1, 2, 3} {
		_, err := f.d.Admit(ctx, msg(id, "hi"))
		require.NoError(t, err)
	}
	require.NoError(t, f.d.Ban(ctx, 2))
	f.tr.FailChat(3, errors.New("bot was blocked by the user"))

	job, err := f.d.Broadcast(ctx, "maintenance tonight")
	require.NoError(t, err)
	require.Equal(t, int64(1), job.Sent())
	require.Equal(t, int64(1), job.Failed())
	require.Equal(t, int64(1), job.Skipped())
	done, total := job.Progress()
	require.Equal(t, int64(3), done)
	require.Equal(t, 3, total)

	report := job.Report()
	require.Len(t, report.Failures, 1)
	require.Equal(t, relay.UserID(3), report.Failures[0].UserID)

	sent := f.tr.Sent(1)
	require.Equal(t, relay.DefaultNotices().BroadcastHeader+"maintenance tonight", sent[len(sent)-1])
	for _, text := range f.tr.Sent(2) {
		require.NotContains(t, text, "maintenance tonight")
	}
}

func TestBroadcastCanPreemptActiveStreams(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.Broadcast.PreemptStreams = true })
	ch := f.startHeld(t, 1, "long answer")

	job, err := f.d.Broadcast(context.Background(), "shutting down")
	require.NoError(t, err)
	require.Equal(t, int64(1), job.Sent())

	o := waitOutcome(t, ch)
	require.ErrorIs(t, o.err, relay.ErrBroadcastPreempted)
}

func TestStatsAndEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.d.Admit(ctx, msg(1, "hi"))
	require.NoError(t, err)
	_, err = f.d.Admit(ctx, msg(2, "hi"))
	require.NoError(t, err)
	require.NoError(t, f.d.Ban(ctx, 2))

	st, err := f.d.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), st.Store.Users)
	require.Equal(t, int64(1), st.Store.BannedUsers)
	require.Equal(t, int64(4), st.Store.Messages)
	require.Equal(t, 0, st.LiveStreams)
	require.Equal(t, 2, st.RateLimiter.Buckets)

	types := f.sink.Types()
	require.Contains(t, types, relay.EventStreamStarted)
	require.Contains(t, types, relay.EventStreamCompleted)
	require.Contains(t, types, relay.EventBanned)
}

func TestStatsReportProgressOfLiveStreams(t *testing.T) {
	f := newFixture(t, nil)
	ch := f.startHeld(t, 4, "half way")

	var st relay.Stats
	require.Eventually(t, func() bool {
		var err error
		st, err = f.d.Stats(context.Background())
		return err == nil && len(st.Streams) == 1 && st.Streams[0].FlushedRunes == int64(len("half way"))
	}, time.Second, time.Millisecond)
	require.Equal(t, 1, st.LiveStreams)
	p := st.Streams[0]
	require.Equal(t, relay.UserID(4), p.UserID)
	require.Equal(t, f.d.Registry().ActiveStream(4).ID, p.StreamID)
	require.Equal(t, int64(1), p.Fragments)

	require.NoError(t, f.d.Ban(context.Background(), 4))
	waitOutcome(t, ch)
	st, err := f.d.Stats(context.Background())
	require.NoError(t, err)
	require.Empty(t, st.Streams)
}

func TestRateLimitTokenSurvivesStoreFailureOnUserTurn(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.RateLimit.Messages = 1 })
	f.store.Fail(relaytest.OpAppendRow, errors.New("read-only"))

	_, err := f.d.Admit(context.Background(), msg(1, "lost"))
	require.ErrorIs(t, err, relay.ErrStoreFailure)

	f.store.Fail(relaytest.OpAppendRow, nil)
	_, err = f.d.Admit(context.Background(), msg(1, "kept"))
	require.NoError(t, err)

	_, err = f.d.Admit(context.Background(), msg(1, "over"))
	require.ErrorIs(t, err, relay.ErrRateLimited)
}

func TestContextKeepsLastTwentyTurnsOfTwentyFiveExchanges(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) {
		o.MaxTurns = 20
		o.RateLimit.Messages = 100
	})
	ctx := context.Background()
	for i := 0; i < 25; i++ {
		f.backend.Push(scripted.Script{Fragments: []string{fmt.Sprintf("a%d", i)}})
		_, err := f.d.Admit(ctx, msg(1, fmt.Sprintf("u%d", i)))
		require.NoError(t, err)
	}
	turns, err := f.d.Context(ctx, 1)
	require.NoError(t, err)
	require.Len(t, turns, 21)
	require.Equal(t, relay.RoleSystem, turns[0].Role)
	require.Equal(t, "user:u15", roles(turns)[1])
	require.Equal(t, "assistant:a24", roles(turns)[20])
}

func TestBroadcastToHundredUsersWithTenFailures(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for id := relay.UserID(1); id <= 100; id++ {
		_, err := f.d.Session(ctx, id)
		require.NoError(t, err)
		if id%10 == 0 {
			f.tr.FailChat(relay.ChatID(id), errors.New("chat not found"))
		}
	}

	job, err := f.d.Broadcast(ctx, "hello everyone")
	require.NoError(t, err)
	require.Equal(t, int64(90), job.Sent())
	require.Equal(t, int64(10), job.Failed())
	require.Equal(t, int64(0), job.Skipped())
	require.Len(t, job.Report().Failures, 10)
}

func TestUsageCountsMessagesAcrossConversations(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	u, err := f.d.Usage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(0), u.Messages)
	require.Equal(t, int64(1), u.Conversations)
	require.Equal(t, "m1", u.Model)
	require.False(t, u.MemberSince.IsZero())

	_, err = f.d.Admit(ctx, msg(1, "a"))
	require.NoError(t, err)
	require.NoError(t, f.d.Clear(ctx, 1))
	_, err = f.d.Admit(ctx, msg(1, "b"))
	require.NoError(t, err)

	u, err = f.d.Usage(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(2), u.Messages)
	require.Equal(t, int64(2), u.Conversations)

	users, err := f.d.Users(ctx, 0)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, relay.UserID(1), users[0].UserID)

	f.store.Fail(relaytest.OpListUsers, errors.New("gone"))
	_, err = f.d.Users(ctx, 5)
	require.ErrorIs(t, err, relay.ErrStoreFailure)
}

func TestConcurrentUsersKeepIsolatedContexts(t *testing.T) {
	f := newFixture(t, func(o *relay.Options) { o.Backend = scripted.New(scripted.WithEcho()) })
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 24)
	for u := 1; u <= 8; u++ {
		wg.Add(1)
		go func(userID relay.UserID) {
			defer wg.Done()
			for i := 0; i < 3; i++ {
				if _, err := f.d.Admit(ctx, msg(userID, fmt.Sprintf("user%d msg%d", userID, i))); err != nil {
					errs <- err
				}
			}
		}(relay.UserID(u))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for u := 1; u <= 8; u++ {
		turns, err := f.d.Context(ctx, relay.UserID(u))
		require.NoError(t, err)
		require.Len(t, turns, 7)
		for _, turn := range turns[1:] {
			require.True(t, strings.HasPrefix(turn.Content, fmt.Sprintf("user%d ", u)), turn.Content)
		}
	}
}
