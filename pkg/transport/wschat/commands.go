package wschat

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/catalog"
	"github.com/go-go-golems/chatrelay/pkg/relay"
)

// CommandSurface is what chat commands and plain messages are routed to.
type CommandSurface interface {
	Admit(ctx context.Context, ev relay.InboundEvent) (relay.Result, error)
	Clear(ctx context.Context, userID relay.UserID) error
	SetModel(ctx context.Context, userID relay.UserID, model string) error
	SetPersona(ctx context.Context, userID relay.UserID, persona string) error
	Session(ctx context.Context, userID relay.UserID) (relay.SessionState, error)
	Usage(ctx context.Context, userID relay.UserID) (relay.Usage, error)
	Notices() relay.Notices
}

var _ CommandSurface = &relay.Dispatcher{}

type Replies struct {
	Welcome        string
	Help           string
	Cleared        string
	ModelSet       string
	PersonaSet     string
	UnknownCommand string
	// Usage is filled with messages, conversations, model and member-since date.
	Usage         string
	MentionPrompt string
}

func DefaultReplies() Replies {
	return Replies{
		Welcome: "👋 Hi! Send me a message and I'll answer.\n\nType /help to see what I can do.",
		Help: "Commands:\n" +
			"/model <id> - choose the AI model (/model alone lists them)\n" +
			"/persona <name> - choose a persona (/persona alone lists them)\n" +
			"/clear - start a new conversation\n" +
			"/usage - show your stats\n" +
			"/help - show this message",
		Cleared:        "🗑️ Conversation cleared!",
		ModelSet:       "✅ Model set to %s",
		PersonaSet:     "✅ Persona set to %s",
		UnknownCommand: "❓ Unknown command. Type /help for the list.",
		Usage:          "📊 Your Stats\n\nMessages: %d\nConversations: %d\nModel: %s\nMember since: %s",
		MentionPrompt:  "Yes? How can I help?",
	}
}

// GroupOptions controls how group and supergroup chats are answered.
type GroupOptions struct {
	// BotName is the handle group messages must mention ("@BotName"). Empty answers every message.
	BotName string
	// Limiter throttles a group chat as a whole, keyed by chat id. Nil disables it.
	Limiter *relay.RateLimiter
}

// Commands parses inbound text and routes it to a CommandSurface.
type Commands struct {
	surface   CommandSurface
	transport relay.Transport
	catalog   *catalog.Catalog
	replies   Replies

	groups  GroupOptions
	mention *regexp.Regexp
	now     func() time.Time
}

func NewCommands(surface CommandSurface, transport relay.Transport, cat *catalog.Catalog, replies Replies) *Commands {
	d := DefaultReplies()
	if replies.Welcome == "" {
		replies.Welcome = d.Welcome
	}
	if replies.Help == "" {
		replies.Help = d.Help
	}
	if replies.Cleared == "" {
		replies.Cleared = d.Cleared
	}
	if replies.ModelSet == "" {
		replies.ModelSet = d.ModelSet
	}
	if replies.PersonaSet == "" {
		replies.PersonaSet = d.PersonaSet
	}
	if replies.UnknownCommand == "" {
		replies.UnknownCommand = d.UnknownCommand
	}
	if replies.Usage == "" {
		replies.Usage = d.Usage
	}
	if replies.MentionPrompt == "" {
		replies.MentionPrompt = d.MentionPrompt
	}
	return &Commands{surface: surface, transport: transport, catalog: cat, replies: replies, now: time.Now}
}

// WithGroups enables mention gating and per-group rate limiting.
func (c *Commands) WithGroups(opts GroupOptions) *Commands {
	c.groups = opts
	c.mention = nil
	if name := strings.TrimPrefix(strings.TrimSpace(opts.BotName), "@"); name != "" {
		c.mention = regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name) + `\b`)
	}
	return c
}

func isGroupChat(t relay.ChatType) bool {
	return t == relay.ChatGroup || t == relay.ChatSupergroup
}

// addressed strips the bot mention from a group message. ok is false when the
// message does not mention the bot.
func (c *Commands) addressed(text string) (string, bool) {
	if c.mention == nil {
		return text, true
	}
	if !c.mention.MatchString(text) {
		return "", false
	}
	return strings.Join(strings.Fields(c.mention.ReplaceAllString(text, "")), " "), true
}

func splitCommand(text string) (cmd, arg string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.SplitN(text, " ", 2)
	cmd = strings.ToLower(fields[0])
	// "/model@botname" style suffixes
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}
	return cmd, arg, true
}

// Handle processes one inbound message. Plain text is admitted and streamed, so
// Handle blocks until the reply is finished.
func (c *Commands) Handle(ctx context.Context, ev relay.InboundEvent) error {
	chatID := ev.ChatID
	if chatID == 0 {
		chatID = relay.ChatID(ev.UserID)
	}
	cmd, arg, isCmd := splitCommand(ev.Text)
	if !isCmd {
		if isGroupChat(ev.ChatType) {
			text, ok := c.addressed(ev.Text)
			if !ok {
				return nil
			}
			if strings.TrimSpace(text) == "" {
				return c.reply(ctx, chatID, c.replies.MentionPrompt)
			}
			if lim := c.groups.Limiter; lim != nil {
				now := c.now()
				if !lim.TryAdmit(relay.UserID(chatID), now) {
					return c.replyErr(ctx, chatID, &relay.RateLimitedError{RetryAfter: lim.RetryAfter(relay.UserID(chatID), now)})
				}
			}
			ev.Text = text
		}
		_, err := c.surface.Admit(ctx, ev)
		if err != nil && !errors.Is(err, relay.ErrEmptyMessage) {
			log.Debug().Str("component", "wschat").Int64("user_id", int64(ev.UserID)).Err(err).Msg("message not completed")
		}
		return err
	}

	if cmd != "/start" && cmd != "/help" {
		st, err := c.surface.Session(ctx, ev.UserID)
		if err != nil {
			return c.replyErr(ctx, chatID, err)
		}
		if st.Banned {
			return c.replyErr(ctx, chatID, relay.ErrBanned)
		}
	}

	switch cmd {
	case "/start":
		return c.reply(ctx, chatID, c.replies.Welcome)
	case "/help":
		return c.reply(ctx, chatID, c.replies.Help)
	case "/clear":
		if err := c.surface.Clear(ctx, ev.UserID); err != nil {
			return c.replyErr(ctx, chatID, err)
		}
		return c.reply(ctx, chatID, c.replies.Cleared)
	case "/model":
		if arg == "" {
			return c.reply(ctx, chatID, c.listModels(ctx, ev.UserID))
		}
		if err := c.surface.SetModel(ctx, ev.UserID, arg); err != nil {
			return c.replyErr(ctx, chatID, err)
		}
		return c.reply(ctx, chatID, fmt.Sprintf(c.replies.ModelSet, c.modelName(arg)))
	case "/persona":
		if arg == "" {
			return c.reply(ctx, chatID, c.listPersonas(ctx, ev.UserID))
		}
		if err := c.surface.SetPersona(ctx, ev.UserID, arg); err != nil {
			return c.replyErr(ctx, chatID, err)
		}
		return c.reply(ctx, chatID, fmt.Sprintf(c.replies.PersonaSet, arg))
	case "/usage":
		u, err := c.surface.Usage(ctx, ev.UserID)
		if err != nil {
			return c.replyErr(ctx, chatID, err)
		}
		return c.reply(ctx, chatID, c.formatUsage(u))
	default:
		return c.reply(ctx, chatID, c.replies.UnknownCommand)
	}
}

func (c *Commands) formatUsage(u relay.Usage) string {
	since := "n/a"
	if !u.MemberSince.IsZero() {
		since = u.MemberSince.Format(time.DateOnly)
	}
	return fmt.Sprintf(c.replies.Usage, u.Messages, u.Conversations, c.modelName(u.Model), since)
}

func (c *Commands) modelName(id string) string {
	if c.catalog == nil {
		return id
	}
	if m, ok := c.catalog.Model(id); ok {
		return m.Name
	}
	return id
}

func (c *Commands) listModels(ctx context.Context, userID relay.UserID) string {
	if c.catalog == nil {
		return "No model list configured."
	}
	current := ""
	if st, err := c.surface.Session(ctx, userID); err == nil {
		current = st.Model
	}
	var b strings.Builder
	b.WriteString("🤖 Available models:\n")
	for _, m := range c.catalog.Models {
		mark := "  "
		if m.ID == current {
			mark = "✓ "
		}
		fmt.Fprintf(&b, "%s%s (%s)\n", mark, m.Name, m.ID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) listPersonas(ctx context.Context, userID relay.UserID) string {
	if c.catalog == nil {
		return "No persona list configured."
	}
	current := ""
	if st, err := c.surface.Session(ctx, userID); err == nil {
		current = st.Persona
	}
	var b strings.Builder
	b.WriteString("🎭 Available personas:\n")
	for _, p := range c.catalog.Personas {
		mark := "  "
		if p.Name == current {
			mark = "✓ "
		}
		fmt.Fprintf(&b, "%s%s - %s\n", mark, p.Name, p.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Commands) reply(ctx context.Context, chatID relay.ChatID, text string) error {
	_, err := c.transport.SendMessage(ctx, chatID, text)
	return err
}

func (c *Commands) replyErr(ctx context.Context, chatID relay.ChatID, err error) error {
	text := c.surface.Notices().For(err)
	if text != "" {
		if sendErr := c.reply(ctx, chatID, text); sendErr != nil {
			log.Warn().Str("component", "wschat").Int64("chat_id", int64(chatID)).Err(sendErr).Msg("send command reply failed")
		}
	}
	return err
}
