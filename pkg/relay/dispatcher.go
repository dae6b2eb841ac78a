package relay

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultSystemPrompt is used when no PersonaResolver is configured.
const DefaultSystemPrompt = "You are a helpful, friendly, and intelligent AI assistant."

type RateLimitConfig struct {
	Messages int
	Window   time.Duration
	// CleanupInterval and StaleAfter drive the bucket cleanup loop started by Run.
	CleanupInterval time.Duration
	StaleAfter      time.Duration
}

type Options struct {
	Store     Store
	Backend   Backend
	Transport Transport
	Events    EventSink
	Personas  PersonaResolver

	Defaults  SessionDefaults
	MaxTurns  int
	RateLimit RateLimitConfig
	Pump      PumpConfig
	Broadcast BroadcastConfig
	Budget    *TokenBudget
	Notices   Notices
	Admins    []UserID

	BackendTimeout time.Duration
	StoreTimeout   time.Duration
}

// Stats is the operator view of the relay.
type Stats struct {
	Store       StoreStats       `json:"store"`
	LiveStreams int              `json:"live_streams"`
	Sessions    int              `json:"sessions"`
	RateLimiter RateLimiterStats `json:"rate_limiter"`
	Streams     []StreamProgress `json:"streams,omitempty"`
}

// StreamProgress is how far one in-flight stream has got.
type StreamProgress struct {
	StreamID  string    `json:"stream_id"`
	UserID    UserID    `json:"user_id"`
	StartedAt time.Time `json:"started_at"`
	StreamCursor
}

// Dispatcher admits inbound messages and runs the stream pipeline for each of them.
type Dispatcher struct {
	registry *SessionRegistry
	contexts *ContextStore
	limiter  *RateLimiter
	pump     *StreamPump
	gate     *ModerationGate

	store     Store
	backend   Backend
	transport Transport
	events    EventSink
	personas  PersonaResolver
	budget    *TokenBudget
	notices   Notices
	admins    map[UserID]struct{}
	rlCfg     RateLimitConfig

	backendTimeout time.Duration
	now            func() time.Time
}

func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Backend == nil {
		return nil, errors.New("relay: backend is nil")
	}
	if opts.Transport == nil {
		return nil, errors.New("relay: transport is nil")
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	notices := opts.Notices.withDefaults()
	if opts.Notices == (Notices{}) {
		notices = DefaultNotices()
	}

	d := &Dispatcher{
		contexts:       NewContextStore(opts.MaxTurns),
		limiter:        NewRateLimiter(opts.RateLimit.Messages, opts.RateLimit.Window),
		pump:           NewStreamPump(opts.Transport, opts.Pump, notices),
		store:          opts.Store,
		backend:        opts.Backend,
		transport:      opts.Transport,
		events:         opts.Events,
		personas:       opts.Personas,
		budget:         opts.Budget,
		notices:        notices,
		admins:         map[UserID]struct{}{},
		rlCfg:          opts.RateLimit,
		backendTimeout: opts.BackendTimeout,
		now:            time.Now,
	}
	for _, id := range opts.Admins {
		d.admins[id] = struct{}{}
	}
	d.registry = NewSessionRegistry(opts.Store, d.contexts, opts.Defaults, d.systemPrompt)
	if opts.StoreTimeout > 0 {
		d.registry.storeTimeout = opts.StoreTimeout
	}
	d.gate = NewModerationGate(d.registry, opts.Transport, opts.Broadcast, notices.BroadcastHeader)
	return d, nil
}

func (d *Dispatcher) Registry() *SessionRegistry { return d.registry }

func (d *Dispatcher) Gate() *ModerationGate { return d.gate }

func (d *Dispatcher) Notices() Notices { return d.notices }

func (d *Dispatcher) IsAdmin(userID UserID) bool {
	_, ok := d.admins[userID]
	return ok
}

func (d *Dispatcher) systemPrompt(persona string) string {
	if d.personas == nil {
		return DefaultSystemPrompt
	}
	prompt, ok := d.personas.SystemPrompt(persona)
	if !ok {
		return DefaultSystemPrompt
	}
	return prompt
}

// Run starts background maintenance and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.limiter.StartCleanupLoop(ctx, d.rlCfg.CleanupInterval, d.rlCfg.StaleAfter)
	<-ctx.Done()
	return nil
}

func (d *Dispatcher) logger(userID UserID) zerolog.Logger {
	return log.With().Str("component", "dispatcher").Int64("user_id", int64(userID)).Logger()
}

func (d *Dispatcher) publish(ctx context.Context, ev Event) {
	if d.events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := d.events.Publish(pctx, ev); err != nil {
		log.Debug().Str("component", "dispatcher").Str("event", string(ev.Type)).Err(err).Msg("publish event failed")
	}
}

func (d *Dispatcher) notify(ctx context.Context, chatID ChatID, err error) {
	text := d.notices.For(err)
	if text == "" {
		return
	}
	if _, sendErr := d.transport.SendMessage(ctx, chatID, text); sendErr != nil {
		log.Warn().Str("component", "dispatcher").Int64("chat_id", int64(chatID)).Err(sendErr).Msg("send notice failed")
	}
}

func (d *Dispatcher) reject(ctx context.Context, ev InboundEvent, err error) (Result, error) {
	d.notify(ctx, ev.targetChat(), err)
	rej := newEvent(EventRejected, ev.UserID, d.now())
	rej.Detail = err.Error()
	d.publish(ctx, rej)
	return Result{Status: StatusRejected}, err
}

// Admit runs one inbound message through admission and, if admitted, streams
// the reply. It returns once the stream has ended. Checks run in this order:
// ban, active stream, rate limit. The rate limit token is spent only after the
// user turn is stored, so a rejected message never costs one.
func (d *Dispatcher) Admit(ctx context.Context, ev InboundEvent) (Result, error) {
	text := ev.normalizedText()
	if text == "" {
		return Result{Status: StatusRejected}, ErrEmptyMessage
	}
	now := d.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = now
	}
	lg := d.logger(ev.UserID)

	sess, err := d.registry.lock(ctx, ev.UserID)
	if err != nil {
		lg.Error().Err(err).Msg("session unavailable")
		return d.reject(ctx, ev, err)
	}
	if sess.state.Banned {
		sess.mu.Unlock()
		return d.reject(ctx, ev, ErrBanned)
	}
	if sess.active != nil {
		sess.mu.Unlock()
		return d.reject(ctx, ev, ErrAlreadyStreaming)
	}
	limited := !d.IsAdmin(ev.UserID)
	if limited && !d.limiter.Allows(ev.UserID, now) {
		retry := d.limiter.RetryAfter(ev.UserID, now)
		sess.mu.Unlock()
		lg.Debug().Dur("retry_after", retry).Msg("rate limited")
		return d.reject(ctx, ev, &RateLimitedError{RetryAfter: retry})
	}

	userTurn := Turn{Role: RoleUser, Content: text, Timestamp: ev.Timestamp}
	if err := d.registry.appendTurn(ctx, ev.UserID, sess, userTurn); err != nil {
		sess.mu.Unlock()
		lg.Error().Err(err).Msg("persist user turn")
		return d.reject(ctx, ev, err)
	}
	// sess.mu is still held, so the token seen by Allows is still there
	if limited && !d.limiter.TryAdmit(ev.UserID, now) {
		lg.Warn().Msg("rate limit token vanished after admission check")
	}
	h := NewStreamHandle(ev.UserID, now)
	sess.active = h
	req := Request{
		Context: d.budget.Trim(d.contexts.Snapshot(ev.UserID)),
		Model:   sess.state.Model,
		Persona: sess.state.Persona,
	}
	sess.mu.Unlock()

	started := newEvent(EventStreamStarted, ev.UserID, now)
	started.StreamID = h.ID
	started.Detail = req.Model
	d.publish(ctx, started)

	res, err := d.stream(ctx, ev, sess, h, req)

	done := newEvent(statusEvent(res.Status), ev.UserID, d.now())
	done.StreamID = h.ID
	if err != nil {
		done.Detail = err.Error()
	}
	d.publish(ctx, done)
	lg.Info().
		Str("stream_id", h.ID).
		Str("status", string(res.Status)).
		Int("fragments", res.Fragments).
		Dur("elapsed", d.now().Sub(now)).
		Err(err).
		Msg("stream finished")
	return res, err
}

// stream owns the Streaming state of sess. Whatever happens, it clears the active
// handle before returning; the assistant turn is committed in the same critical
// section, and only if the stream completed and was not cancelled.
func (d *Dispatcher) stream(ctx context.Context, ev InboundEvent, sess *Session, h *StreamHandle, req Request) (res Result, err error) {
	res.StreamID = h.ID
	var commit *Turn
	var target Target
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("component", "dispatcher").
				Int64("user_id", int64(ev.UserID)).
				Str("stream_id", h.ID).
				Str("panic", fmt.Sprint(r)).
				Str("stack", string(debug.Stack())).
				Msg("stream pipeline panicked")
			res = Result{Status: StatusFailed, StreamID: h.ID}
			err = &BackendError{Err: errors.Errorf("panic: %v", r)}
			commit = nil
			if target.MessageID != 0 {
				d.pump.Notify(ctx, h, target, StatusFailed, err)
			}
		}
		if cerr := d.release(ctx, ev.UserID, sess, h, commit); cerr != nil && err == nil {
			res.Status = StatusFailed
			err = cerr
		}
	}()

	chatID := ev.targetChat()
	placeholder, err := d.transport.SendMessage(ctx, chatID, d.notices.Thinking)
	if err != nil {
		return Result{Status: StatusFailed, StreamID: h.ID}, &BackendError{Err: errors.Wrap(err, "send placeholder")}
	}
	target = Target{ChatID: chatID, MessageID: placeholder}

	runCtx, cancel := d.runContext(ctx)
	defer cancel()
	h.setAbort(cancel)

	fs, err := d.backend.Invoke(runCtx, req)
	if err != nil {
		status, cause := StatusFailed, error(&BackendError{Err: err})
		if h.Cancelled() || runCtx.Err() != nil {
			status, cause = d.pump.classify(runCtx, h)
		}
		pr := d.pump.Notify(runCtx, h, target, status, cause)
		return Result{Status: pr.Status, StreamID: h.ID}, cause
	}

	pr := d.pump.Drive(runCtx, h, fs, target)
	res = Result{
		Status:    pr.Status,
		StreamID:  h.ID,
		Text:      pr.Text,
		Delivered: pr.Delivered,
		Fragments: pr.Fragments,
	}
	if pr.Status == StatusCompleted && pr.Text != "" {
		commit = &Turn{Role: RoleAssistant, Content: pr.Text, Timestamp: d.now()}
	}
	return res, pr.Err
}

func (d *Dispatcher) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.backendTimeout > 0 {
		return context.WithTimeout(ctx, d.backendTimeout)
	}
	return context.WithCancel(ctx)
}

func (d *Dispatcher) release(ctx context.Context, userID UserID, sess *Session, h *StreamHandle, commit *Turn) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.active == h {
		sess.active = nil
	}
	if commit == nil || h.Cancelled() {
		return nil
	}
	return d.registry.appendTurn(context.WithoutCancel(ctx), userID, sess, *commit)
}

// Clear starts a new conversation. The persona's system turn is kept.
func (d *Dispatcher) Clear(ctx context.Context, userID UserID) error {
	sess, err := d.registry.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()
	if sess.active != nil {
		return ErrAlreadyStreaming
	}
	sctx, cancel := d.registry.storeCtx(ctx)
	defer cancel()
	if err := d.store.ClearContext(sctx, userID); err != nil {
		return storeError("clear context", err)
	}
	d.contexts.Clear(userID)
	d.publish(ctx, newEvent(EventContextCleared, userID, d.now()))
	return nil
}

func (d *Dispatcher) SetModel(ctx context.Context, userID UserID, model string) error {
	if model == "" || (d.personas != nil && !d.personas.HasModel(model)) {
		return errors.Wrap(ErrUnknownModel, model)
	}
	sess, err := d.registry.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()
	if sess.active != nil {
		return ErrAlreadyStreaming
	}
	next := sess.state
	next.Model = model
	if err := d.registry.saveState(ctx, sess, next); err != nil {
		return err
	}
	ev := newEvent(EventModelChanged, userID, d.now())
	ev.Detail = model
	d.publish(ctx, ev)
	return nil
}

func (d *Dispatcher) SetPersona(ctx context.Context, userID UserID, persona string) error {
	if persona == "" {
		return errors.Wrap(ErrUnknownPersona, "empty persona")
	}
	prompt := DefaultSystemPrompt
	if d.personas != nil {
		p, ok := d.personas.SystemPrompt(persona)
		if !ok {
			return errors.Wrap(ErrUnknownPersona, persona)
		}
		prompt = p
	}
	sess, err := d.registry.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()
	if sess.active != nil {
		return ErrAlreadyStreaming
	}
	next := sess.state
	next.Persona = persona
	if err := d.registry.saveState(ctx, sess, next); err != nil {
		return err
	}
	d.contexts.SetSystem(userID, prompt, d.now())
	ev := newEvent(EventPersonaChanged, userID, d.now())
	ev.Detail = persona
	d.publish(ctx, ev)
	return nil
}

// Ban marks the user banned and cancels their active stream, if any.
func (d *Dispatcher) Ban(ctx context.Context, userID UserID) error {
	if d.IsAdmin(userID) {
		return ErrCannotBanAdmin
	}
	sess, err := d.registry.lock(ctx, userID)
	if err != nil {
		return err
	}
	next := sess.state
	next.Banned = true
	if err := d.registry.saveState(ctx, sess, next); err != nil {
		sess.mu.Unlock()
		return err
	}
	sess.mu.Unlock()

	preempted := d.gate.Preempt(userID, ErrBanned)
	ev := newEvent(EventBanned, userID, d.now())
	if preempted {
		ev.Detail = "active stream cancelled"
	}
	d.publish(ctx, ev)
	log.Info().Str("component", "moderation").Int64("user_id", int64(userID)).Bool("preempted", preempted).Msg("user banned")
	return nil
}

func (d *Dispatcher) Unban(ctx context.Context, userID UserID) error {
	sess, err := d.registry.lock(ctx, userID)
	if err != nil {
		return err
	}
	defer sess.mu.Unlock()
	next := sess.state
	next.Banned = false
	if err := d.registry.saveState(ctx, sess, next); err != nil {
		return err
	}
	d.publish(ctx, newEvent(EventUnbanned, userID, d.now()))
	log.Info().Str("component", "moderation").Int64("user_id", int64(userID)).Msg("user unbanned")
	return nil
}

// Broadcast sends message to every known user that is not banned and waits for
// the fan-out to finish.
func (d *Dispatcher) Broadcast(ctx context.Context, message string) (*BroadcastJob, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	sctx, cancel := d.registry.storeCtx(ctx)
	stored, err := d.store.ListUsers(sctx)
	cancel()
	if err != nil {
		return nil, storeError("list users", err)
	}
	seen := map[UserID]struct{}{}
	targets := make([]SessionState, 0, len(stored))
	for _, st := range stored {
		seen[st.UserID] = struct{}{}
		targets = append(targets, st)
	}
	for _, id := range d.registry.Known() {
		if _, ok := seen[id]; !ok {
			targets = append(targets, SessionState{UserID: id})
		}
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].UserID < targets[j].UserID })

	job := d.gate.Broadcast(ctx, message, targets)
	ev := newEvent(EventBroadcast, 0, d.now())
	ev.Detail = fmt.Sprintf("sent=%d failed=%d skipped=%d", job.Sent(), job.Failed(), job.Skipped())
	d.publish(ctx, ev)
	return job, nil
}

func (d *Dispatcher) ResetRateLimit(userID UserID) {
	d.limiter.Reset(userID)
}

func (d *Dispatcher) Stats(ctx context.Context) (Stats, error) {
	sctx, cancel := d.registry.storeCtx(ctx)
	defer cancel()
	st, err := d.store.Stats(sctx)
	if err != nil {
		return Stats{}, storeError("stats", err)
	}
	active := d.registry.ActiveStreams()
	streams := make([]StreamProgress, 0, len(active))
	for _, h := range active {
		streams = append(streams, StreamProgress{
			StreamID:     h.ID,
			UserID:       h.UserID,
			StartedAt:    h.StartedAt,
			StreamCursor: h.Cursor(),
		})
	}
	return Stats{
		Store:       st,
		LiveStreams: len(streams),
		Sessions:    len(d.registry.Known()),
		RateLimiter: d.limiter.Stats(),
		Streams:     streams,
	}, nil
}

// DefaultUsersLimit is how many users Users lists when no limit is given.
const DefaultUsersLimit = 20

// Usage returns the user's lifetime counters, creating the session if needed.
func (d *Dispatcher) Usage(ctx context.Context, userID UserID) (Usage, error) {
	st, err := d.registry.State(ctx, userID)
	if err != nil {
		return Usage{}, err
	}
	sctx, cancel := d.registry.storeCtx(ctx)
	defer cancel()
	u, ok, err := d.store.Usage(sctx, userID)
	if err != nil {
		return Usage{}, storeError("usage", err)
	}
	if !ok {
		u = Usage{UserID: userID, Conversations: 1, MemberSince: st.CreatedAt}
	}
	u.Model = st.Model
	u.Persona = st.Persona
	u.Banned = st.Banned
	return u, nil
}

// Users lists the most recently joined users, newest first.
func (d *Dispatcher) Users(ctx context.Context, limit int) ([]Usage, error) {
	if limit <= 0 {
		limit = DefaultUsersLimit
	}
	sctx, cancel := d.registry.storeCtx(ctx)
	defer cancel()
	states, err := d.store.ListUsers(sctx)
	if err != nil {
		return nil, storeError("list users", err)
	}
	sort.SliceStable(states, func(i, j int) bool {
		if states[i].CreatedAt.Equal(states[j].CreatedAt) {
			return states[i].UserID > states[j].UserID
		}
		return states[i].CreatedAt.After(states[j].CreatedAt)
	})
	if len(states) > limit {
		states = states[:limit]
	}
	out := make([]Usage, 0, len(states))
	for _, st := range states {
		u, ok, err := d.store.Usage(sctx, st.UserID)
		if err != nil {
			return nil, storeError("usage", err)
		}
		if !ok {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// Session returns a copy of the user's session state.
func (d *Dispatcher) Session(ctx context.Context, userID UserID) (SessionState, error) {
	return d.registry.State(ctx, userID)
}

// Context returns the user's current context snapshot, system turn included.
func (d *Dispatcher) Context(ctx context.Context, userID UserID) ([]Turn, error) {
	sess, err := d.registry.lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer sess.mu.Unlock()
	return d.contexts.Snapshot(userID), nil
}
