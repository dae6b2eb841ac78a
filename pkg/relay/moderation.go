package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultBroadcastConcurrency = 8

type BroadcastConfig struct {
	Concurrency int
	// PreemptStreams cancels a recipient's active stream before delivering the broadcast.
	PreemptStreams bool
}

type BroadcastFailure struct {
	UserID UserID `json:"user_id"`
	Error  string `json:"error"`
}

// BroadcastJob tracks one fan-out. Counters are safe to read while the job runs.
type BroadcastJob struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Targets   int       `json:"targets"`
	StartedAt time.Time `json:"started_at"`

	sent    atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64

	mu       sync.Mutex
	failures []BroadcastFailure
	finished time.Time
}

type BroadcastReport struct {
	ID         string             `json:"id"`
	Targets    int                `json:"targets"`
	Sent       int64              `json:"sent"`
	Failed     int64              `json:"failed"`
	Skipped    int64              `json:"skipped"`
	Failures   []BroadcastFailure `json:"failures,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt time.Time          `json:"finished_at"`
}

func (j *BroadcastJob) Sent() int64    { return j.sent.Load() }
func (j *BroadcastJob) Failed() int64  { return j.failed.Load() }
func (j *BroadcastJob) Skipped() int64 { return j.skipped.Load() }

// Progress returns how many targets have been handled so far.
func (j *BroadcastJob) Progress() (done int64, total int) {
	return j.sent.Load() + j.failed.Load() + j.skipped.Load(), j.Targets
}

func (j *BroadcastJob) Report() BroadcastReport {
	j.mu.Lock()
	failures := append([]BroadcastFailure(nil), j.failures...)
	finished := j.finished
	j.mu.Unlock()
	return BroadcastReport{
		ID:         j.ID,
		Targets:    j.Targets,
		Sent:       j.sent.Load(),
		Failed:     j.failed.Load(),
		Skipped:    j.skipped.Load(),
		Failures:   failures,
		StartedAt:  j.StartedAt,
		FinishedAt: finished,
	}
}

func (j *BroadcastJob) record(userID UserID, err error) {
	if err == nil {
		j.sent.Add(1)
		return
	}
	j.failed.Add(1)
	j.mu.Lock()
	j.failures = append(j.failures, BroadcastFailure{UserID: userID, Error: err.Error()})
	j.mu.Unlock()
}

// ModerationGate enforces bans on active streams and fans out broadcasts.
type ModerationGate struct {
	registry  *SessionRegistry
	transport Transport
	cfg       BroadcastConfig
	header    string
	now       func() time.Time
}

func NewModerationGate(registry *SessionRegistry, transport Transport, cfg BroadcastConfig, header string) *ModerationGate {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultBroadcastConcurrency
	}
	return &ModerationGate{
		registry:  registry,
		transport: transport,
		cfg:       cfg,
		header:    header,
		now:       time.Now,
	}
}

func (g *ModerationGate) IsAllowed(userID UserID) bool {
	if g == nil || g.registry == nil {
		return true
	}
	return !g.registry.IsBanned(userID)
}

// Preempt cancels the user's active stream, if any.
func (g *ModerationGate) Preempt(userID UserID, cause error) bool {
	if g == nil || g.registry == nil {
		return false
	}
	h := g.registry.ActiveStream(userID)
	if h == nil {
		return false
	}
	cancelled := h.Cancel(cause)
	if cancelled {
		log.Info().Str("component", "moderation").Int64("user_id", int64(userID)).Str("stream_id", h.ID).Err(cause).Msg("preempted active stream")
	}
	return cancelled
}

// Broadcast delivers message to every target that is not banned, either in the
// stored state or in the live session. A failed send is recorded and never aborts
// the job. It blocks until every target is handled.
func (g *ModerationGate) Broadcast(ctx context.Context, message string, targets []SessionState) *BroadcastJob {
	job := &BroadcastJob{
		ID:        uuid.NewString(),
		Message:   message,
		Targets:   len(targets),
		StartedAt: g.now(),
	}
	text := g.header + message

	eg := errgroup.Group{}
	eg.SetLimit(g.cfg.Concurrency)
	for _, target := range targets {
		userID := target.UserID
		if target.Banned || !g.IsAllowed(userID) {
			job.skipped.Add(1)
			continue
		}
		if ctx.Err() != nil {
			job.record(userID, ctx.Err())
			continue
		}
		eg.Go(func() error {
			if g.cfg.PreemptStreams {
				g.Preempt(userID, ErrBroadcastPreempted)
			}
			_, err := g.transport.SendMessage(ctx, ChatID(userID), text)
			job.record(userID, err)
			if err != nil {
				log.Debug().Str("component", "moderation").Int64("user_id", int64(userID)).Err(err).Msg("broadcast delivery failed")
			}
			return nil
		})
	}
	_ = eg.Wait()

	job.mu.Lock()
	job.finished = g.now()
	job.mu.Unlock()
	log.Info().
		Str("component", "moderation").
		Str("broadcast_id", job.ID).
		Int("targets", job.Targets).
		Int64("sent", job.Sent()).
		Int64("failed", job.Failed()).
		Int64("skipped", job.Skipped()).
		Msg("broadcast finished")
	return job
}
