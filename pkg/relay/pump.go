package relay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type PumpConfig struct {
	// FlushInterval is the minimum time between two edits of the same message.
	FlushInterval time.Duration
	// MinFlushChars is how much new text (in runes) triggers an edit before the ticker does.
	MinFlushChars int
	// MaxMessageRunes is the transport's per-message limit; longer replies roll over.
	MaxMessageRunes int
	// NoticeTimeout bounds the final notice edit, which runs even when ctx is done.
	NoticeTimeout time.Duration
}

func DefaultPumpConfig() PumpConfig {
	return PumpConfig{
		FlushInterval:   500 * time.Millisecond,
		MinFlushChars:   20,
		MaxMessageRunes: 4096,
		NoticeTimeout:   5 * time.Second,
	}
}

func (c PumpConfig) withDefaults() PumpConfig {
	d := DefaultPumpConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MinFlushChars <= 0 {
		c.MinFlushChars = d.MinFlushChars
	}
	if c.MaxMessageRunes <= 0 {
		c.MaxMessageRunes = d.MaxMessageRunes
	}
	if c.NoticeTimeout <= 0 {
		c.NoticeTimeout = d.NoticeTimeout
	}
	return c
}

// Target is the placeholder message a stream is rendered into.
type Target struct {
	ChatID    ChatID
	MessageID MessageID
}

type PumpResult struct {
	Status    Status
	Text      string
	Delivered string
	Err       error
	Fragments int
	Flushes   int
	Messages  []MessageID
}

// StreamPump turns a FragmentStream into a sequence of throttled message edits.
type StreamPump struct {
	cfg       PumpConfig
	notices   Notices
	transport Transport
	now       func() time.Time
}

func NewStreamPump(transport Transport, cfg PumpConfig, notices Notices) *StreamPump {
	return &StreamPump{
		cfg:       cfg.withDefaults(),
		notices:   notices.withDefaults(),
		transport: transport,
		now:       time.Now,
	}
}

type fragment struct {
	text string
	err  error
}

// Drive pumps stream into target until the stream ends, h is cancelled or ctx is done.
// Every outcome other than completion leaves exactly one notice in the last message.
func (p *StreamPump) Drive(ctx context.Context, h *StreamHandle, stream FragmentStream, target Target) PumpResult {
	readCtx, stopReading := context.WithCancel(ctx)
	defer func() { _ = stream.Close() }()
	defer stopReading()

	frags := make(chan fragment, 1)
	go func() {
		defer close(frags)
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("component", "pump").Str("stream_id", h.ID).Str("panic", fmt.Sprint(r)).Msg("fragment stream panicked")
				select {
				case frags <- fragment{err: errors.Errorf("fragment stream panicked: %v", r)}:
				case <-readCtx.Done():
				}
			}
		}()
		for {
			text, err := stream.Next(readCtx)
			select {
			case frags <- fragment{text: text, err: err}:
			case <-readCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	w := &pumpWriter{
		p:        p,
		ctx:      ctx,
		h:        h,
		chatID:   target.ChatID,
		current:  target.MessageID,
		messages: []MessageID{target.MessageID},
		log: log.With().
			Str("component", "pump").
			Str("stream_id", h.ID).
			Int64("chat_id", int64(target.ChatID)).
			Logger(),
	}

	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	var buf strings.Builder
	for {
		select {
		case <-h.Done():
			return w.interrupt(p.classify(ctx, h))
		case <-ctx.Done():
			return w.interrupt(p.classify(ctx, h))
		case f, ok := <-frags:
			if !ok {
				frags = nil
				continue
			}
			if h.Cancelled() {
				return w.interrupt(p.classify(ctx, h))
			}
			if f.err != nil {
				if errors.Is(f.err, io.EOF) {
					return w.complete(buf.String())
				}
				if ctx.Err() != nil {
					return w.interrupt(p.classify(ctx, h))
				}
				return w.interrupt(StatusFailed, &BackendError{Err: f.err})
			}
			buf.WriteString(f.text)
			w.fragments++
			h.fragments.Add(1)
			text := buf.String()
			if utf8.RuneCountInString(text[w.flushedLen:]) >= p.cfg.MinFlushChars && w.due() {
				if err := w.flush(text); err != nil {
					return w.interrupt(StatusFailed, &BackendError{Err: err})
				}
			}
		case <-ticker.C:
			text := buf.String()
			if len(text) > w.flushedLen && w.due() {
				if err := w.flush(text); err != nil {
					return w.interrupt(StatusFailed, &BackendError{Err: err})
				}
			}
		}
	}
}

func (p *StreamPump) classify(ctx context.Context, h *StreamHandle) (Status, error) {
	if h.Cancelled() {
		return StatusCancelled, &CancelledError{Cause: h.Cause()}
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return StatusTimedOut, ErrBackendTimeout
	}
	return StatusCancelled, &CancelledError{Cause: ctx.Err()}
}

// Notify replaces the placeholder with a single notice. Used when the backend
// fails before producing a stream.
func (p *StreamPump) Notify(ctx context.Context, h *StreamHandle, target Target, status Status, err error) PumpResult {
	w := &pumpWriter{
		p:        p,
		ctx:      ctx,
		h:        h,
		chatID:   target.ChatID,
		current:  target.MessageID,
		messages: []MessageID{target.MessageID},
		log:      log.With().Str("component", "pump").Str("stream_id", h.ID).Logger(),
	}
	return w.interrupt(status, err)
}

func (p *StreamPump) noticeFor(status Status, err error) string {
	switch status {
	case StatusCancelled:
		if errors.Is(err, ErrBanned) {
			return p.notices.Banned
		}
		return p.notices.Interrupted
	case StatusTimedOut:
		return p.notices.TimedOut
	case StatusCompleted, StatusRejected, StatusFailed:
		if msg := p.notices.For(err); msg != "" {
			return msg
		}
		return p.notices.Failed
	default:
		return p.notices.Failed
	}
}

type pumpWriter struct {
	p   *StreamPump
	ctx context.Context
	h   *StreamHandle
	log zerolog.Logger

	chatID   ChatID
	current  MessageID
	messages []MessageID
	// offset is how many runes of the text live in earlier, finished messages.
	offset int
	// rendered is the last text sent for the current message.
	rendered string

	delivered  string
	flushedLen int
	lastFlush  time.Time
	flushes    int
	fragments  int
}

func (w *pumpWriter) due() bool {
	return w.lastFlush.IsZero() || w.p.now().Sub(w.lastFlush) >= w.p.cfg.FlushInterval
}

func (w *pumpWriter) chunkSize() int {
	n := w.p.cfg.MaxMessageRunes - utf8.RuneCountInString(w.p.notices.Cursor)
	if n < 1 {
		n = 1
	}
	return n
}

// render writes text into the current message, rolling over into new messages
// when it exceeds the per-message limit.
func (w *pumpWriter) render(ctx context.Context, text string, suffix string) error {
	runes := []rune(text)
	size := w.chunkSize()
	for len(runes)-w.offset > size {
		chunk := string(runes[w.offset : w.offset+size])
		if err := w.edit(ctx, chunk); err != nil {
			return err
		}
		id, err := w.p.transport.SendMessage(ctx, w.chatID, w.p.notices.ContinuationLabel)
		if err != nil {
			return errors.Wrap(err, "send continuation message")
		}
		w.offset += size
		w.current = id
		w.rendered = w.p.notices.ContinuationLabel
		w.messages = append(w.messages, id)
	}
	return w.edit(ctx, string(runes[w.offset:])+suffix)
}

func (w *pumpWriter) edit(ctx context.Context, text string) error {
	if text == w.rendered {
		return nil
	}
	err := w.p.transport.EditMessage(ctx, w.chatID, w.current, text)
	if err != nil && !errors.Is(err, ErrMessageNotModified) {
		// a lost edit is superseded by the next one
		w.log.Warn().Err(err).Int64("message_id", int64(w.current)).Msg("edit message failed")
		return nil
	}
	w.rendered = text
	return nil
}

func (w *pumpWriter) flush(text string) error {
	if w.h.Cancelled() {
		return nil
	}
	if err := w.render(w.ctx, text, w.p.notices.Cursor); err != nil {
		return err
	}
	w.delivered = text
	w.flushedLen = len(text)
	w.lastFlush = w.p.now()
	w.flushes++
	w.h.flushed.Store(int64(utf8.RuneCountInString(text)))
	return nil
}

func (w *pumpWriter) result(status Status, text string, err error) PumpResult {
	return PumpResult{
		Status:    status,
		Text:      text,
		Delivered: w.delivered,
		Err:       err,
		Fragments: w.fragments,
		Flushes:   w.flushes,
		Messages:  append([]MessageID(nil), w.messages...),
	}
}

func (w *pumpWriter) complete(text string) PumpResult {
	if w.h.Cancelled() {
		return w.interrupt(w.p.classify(w.ctx, w.h))
	}
	if text == "" {
		w.emitFinal(w.p.notices.Empty)
		return w.result(StatusCompleted, "", nil)
	}
	if err := w.render(w.ctx, text, ""); err != nil {
		return w.interrupt(StatusFailed, &BackendError{Err: err})
	}
	w.delivered = text
	w.flushedLen = len(text)
	w.flushes++
	w.h.flushed.Store(int64(utf8.RuneCountInString(text)))
	return w.result(StatusCompleted, text, nil)
}

func (w *pumpWriter) interrupt(status Status, err error) PumpResult {
	notice := w.p.noticeFor(status, err)
	visible := ""
	if w.delivered != "" {
		runes := []rune(w.delivered)
		if w.offset < len(runes) {
			visible = string(runes[w.offset:])
		}
	}
	if visible != "" {
		notice = visible + "\n\n" + notice
	}
	w.emitFinal(notice)
	w.log.Debug().Str("status", string(status)).Err(err).Int("fragments", w.fragments).Msg("stream interrupted")
	return w.result(status, "", err)
}

// emitFinal runs on a context detached from cancellation so the notice still lands
// after a timeout or shutdown.
func (w *pumpWriter) emitFinal(text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.p.cfg.NoticeTimeout)
	defer cancel()
	if utf8.RuneCountInString(text) > w.p.cfg.MaxMessageRunes {
		runes := []rune(text)
		text = string(runes[len(runes)-w.p.cfg.MaxMessageRunes:])
	}
	if err := w.edit(ctx, text); err != nil {
		w.log.Warn().Err(err).Msg("final edit failed")
	}
}
