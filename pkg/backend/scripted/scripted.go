// Package scripted provides a Backend that replays canned fragment sequences.
// It backs tests and the "scripted" backend kind of the server.
package scripted

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// Script is one scripted generation.
type Script struct {
	Fragments []string
	// Delay is waited before each fragment.
	Delay time.Duration
	// InvokeErr fails the Invoke call itself.
	InvokeErr error
	// Err is returned after FailAfter fragments have been yielded.
	Err       error
	FailAfter int
	// Hold keeps the stream open after the last fragment until ctx is done or the stream is closed.
	Hold bool
	// Panic makes Next panic with this value after the fragments.
	Panic any
}

// Backend returns queued scripts in order, then the fallback.
type Backend struct {
	mu       sync.Mutex
	scripts  []Script
	fallback *Script
	echo     bool
	calls    []relay.Request
}

var _ relay.Backend = &Backend{}

type Option func(*Backend)

func WithFallback(s Script) Option {
	return func(b *Backend) { b.fallback = &s }
}

// WithEcho answers every unscripted request by echoing the last user turn word by word.
func WithEcho() Option {
	return func(b *Backend) { b.echo = true }
}

func New(opts ...Option) *Backend {
	b := &Backend{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Push(scripts ...Script) *Backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts = append(b.scripts, scripts...)
	return b
}

// Reply queues a script that yields fragments and completes.
func (b *Backend) Reply(fragments ...string) *Backend {
	return b.Push(Script{Fragments: fragments})
}

func (b *Backend) Calls() []relay.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]relay.Request, len(b.calls))
	copy(out, b.calls)
	return out
}

func (b *Backend) Invoke(ctx context.Context, req relay.Request) (relay.FragmentStream, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req)
	var script Script
	switch {
	case len(b.scripts) > 0:
		script = b.scripts[0]
		b.scripts = b.scripts[1:]
	case b.fallback != nil:
		script = *b.fallback
	case b.echo:
		script = echoScript(req)
	default:
		b.mu.Unlock()
		return nil, errors.New("scripted backend: no script left")
	}
	b.mu.Unlock()

	if script.InvokeErr != nil {
		return nil, script.InvokeErr
	}
	return &stream{script: script, closed: make(chan struct{})}, nil
}

func echoScript(req relay.Request) Script {
	last := ""
	for i := len(req.Context) - 1; i >= 0; i-- {
		if req.Context[i].Role == relay.RoleUser {
			last = req.Context[i].Content
			break
		}
	}
	words := strings.Fields(last)
	frags := make([]string, 0, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		frags = append(frags, w)
	}
	return Script{Fragments: frags, Delay: 20 * time.Millisecond}
}

type stream struct {
	script    Script
	pos       int
	closed    chan struct{}
	closeOnce sync.Once
	isClosed  atomic.Bool
}

func (s *stream) Next(ctx context.Context) (string, error) {
	if s.isClosed.Load() {
		return "", io.ErrClosedPipe
	}
	if s.script.Err != nil && s.pos == s.script.FailAfter {
		return "", s.script.Err
	}
	if s.pos >= len(s.script.Fragments) {
		if s.script.Panic != nil {
			panic(s.script.Panic)
		}
		if !s.script.Hold {
			return "", io.EOF
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.closed:
			return "", io.ErrClosedPipe
		}
	}
	if s.script.Delay > 0 {
		t := time.NewTimer(s.script.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-s.closed:
			return "", io.ErrClosedPipe
		case <-t.C:
		}
	}
	frag := s.script.Fragments[s.pos]
	s.pos++
	return frag, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.isClosed.Store(true)
		close(s.closed)
	})
	return nil
}
