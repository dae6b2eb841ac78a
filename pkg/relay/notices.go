package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrUpstreamRateLimited is matched by backend errors that report the provider throttling us.
var ErrUpstreamRateLimited = errors.New("upstream rate limited")

// Notices holds the user-facing texts the relay sends on its own behalf.
type Notices struct {
	Thinking          string
	Banned            string
	Wait              string
	RateLimited       string
	UpstreamLimited   string
	Failed            string
	TimedOut          string
	Interrupted       string
	Empty             string
	Internal          string
	CannotBanAdmin    string
	UnknownModel      string
	UnknownPersona    string
	BroadcastHeader   string
	Cursor            string
	ContinuationLabel string
}

func DefaultNotices() Notices {
	return Notices{
		Thinking:          "💭 Thinking...",
		Banned:            "⛔ You have been banned from using this bot.",
		Wait:              "⏳ Please wait for the current response to finish.",
		RateLimited:       "⏳ Rate limit reached. Please wait %d seconds.",
		UpstreamLimited:   "⏳ AI service rate limited. Try again soon.",
		Failed:            "❌ Sorry, I encountered an error.",
		TimedOut:          "⌛ The response took too long and was stopped.",
		Interrupted:       "⏹ Response stopped.",
		Empty:             "🤷 The model returned an empty response.",
		Internal:          "❌ An unexpected error occurred.",
		CannotBanAdmin:    "❌ Cannot ban an admin.",
		UnknownModel:      "❌ Unknown model.",
		UnknownPersona:    "❌ Unknown persona.",
		BroadcastHeader:   "📢 **Announcement**\n\n",
		Cursor:            " ▌",
		ContinuationLabel: "…",
	}
}

func (n Notices) withDefaults() Notices {
	d := DefaultNotices()
	fill := func(dst *string, def string) {
		if *dst == "" {
			*dst = def
		}
	}
	fill(&n.Thinking, d.Thinking)
	fill(&n.Banned, d.Banned)
	fill(&n.Wait, d.Wait)
	fill(&n.RateLimited, d.RateLimited)
	fill(&n.UpstreamLimited, d.UpstreamLimited)
	fill(&n.Failed, d.Failed)
	fill(&n.TimedOut, d.TimedOut)
	fill(&n.Interrupted, d.Interrupted)
	fill(&n.Empty, d.Empty)
	fill(&n.Internal, d.Internal)
	fill(&n.CannotBanAdmin, d.CannotBanAdmin)
	fill(&n.UnknownModel, d.UnknownModel)
	fill(&n.UnknownPersona, d.UnknownPersona)
	fill(&n.BroadcastHeader, d.BroadcastHeader)
	fill(&n.ContinuationLabel, d.ContinuationLabel)
	// an empty cursor is a valid choice and is left alone
	return n
}

// For maps an error returned by the Dispatcher to the text shown to the user.
// It returns "" for nil and for cancellations, which need no extra notice.
func (n Notices) For(err error) string {
	if err == nil {
		return ""
	}
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return fmt.Sprintf(n.RateLimited, rl.RetryAfterSeconds())
	case errors.Is(err, ErrCancelled):
		return ""
	case errors.Is(err, ErrBanned):
		return n.Banned
	case errors.Is(err, ErrAlreadyStreaming):
		return n.Wait
	case errors.Is(err, ErrCannotBanAdmin):
		return n.CannotBanAdmin
	case errors.Is(err, ErrUnknownModel):
		return n.UnknownModel
	case errors.Is(err, ErrUnknownPersona):
		return n.UnknownPersona
	case errors.Is(err, ErrBackendTimeout):
		return n.TimedOut
	case errors.Is(err, ErrUpstreamRateLimited):
		return n.UpstreamLimited
	case errors.Is(err, ErrBackendFailure):
		return n.Failed
	default:
		return n.Internal
	}
}
