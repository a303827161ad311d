package chat

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// Handler answers chat commands.
type Handler interface {
	Handle(ctx context.Context, sender Sender, text string) (string, bool)
}

// ircClient is the subset of *twitch.Client the bot uses.
type ircClient interface {
	OnPrivateMessage(func(twitch.PrivateMessage))
	Join(channels ...string)
	Say(channel, text string)
	Connect() error
	Disconnect() error
}

// LoginResolver maps a chat identity id to its login for identities the bot has not seen.
type LoginResolver interface {
	Login(ctx context.Context, userID string) (string, error)
}

// maxMessageLen is Twitch's per-message limit.
const maxMessageLen = 500

const resolveTimeout = 5 * time.Second

// Bot is the chat-side collaborator: command intake plus the notification sink.
type Bot struct {
	client  ircClient
	channel string

	mu       sync.RWMutex
	handler  Handler
	resolver LoginResolver
	logins   map[string]string // identity id -> login
}

// NewBot returns a bot for channel. With any credential missing the bot has no connection
// and only logs notifications.
func NewBot(username, oauthToken, channel string) *Bot {
	b := &Bot{channel: strings.TrimPrefix(strings.ToLower(channel), "#"), logins: make(map[string]string)}
	if username == "" || oauthToken == "" || b.channel == "" {
		slog.Info("twitch creds not set; chat bot disabled", slog.String("component", "chat"))
		return b
	}
	b.client = twitch.NewClient(username, oauthToken)
	return b
}

// SetHandler installs the command handler.
func (b *Bot) SetHandler(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// SetLoginResolver installs a lookup for identities not yet seen in chat.
func (b *Bot) SetLoginResolver(r LoginResolver) {
	b.mu.Lock()
	b.resolver = r
	b.mu.Unlock()
}

// Enabled reports whether the bot has an IRC connection to run.
func (b *Bot) Enabled() bool { return b.client != nil }

// Run connects to chat and blocks until ctx is cancelled or the connection fails.
func (b *Bot) Run(ctx context.Context) error {
	if b.client == nil {
		return nil
	}
	b.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		b.handleMessage(ctx, msg)
	})

	stop := context.AfterFunc(ctx, func() {
		_ = b.client.Disconnect()
	})
	defer stop()

	b.client.Join(b.channel)
	slog.Info("chat bot connecting", slog.String("channel", b.channel), slog.String("component", "chat"))
	err := b.client.Connect()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		slog.Error("twitch chat connect error", slog.Any("err", err), slog.String("component", "chat"))
	}
	return err
}

func (b *Bot) handleMessage(ctx context.Context, msg twitch.PrivateMessage) {
	sender := Sender{IdentityID: msg.User.ID, Login: msg.User.Name, DisplayName: msg.User.DisplayName}
	if sender.IdentityID == "" {
		return
	}
	b.mu.Lock()
	b.logins[sender.IdentityID] = sender.Login
	h := b.handler
	b.mu.Unlock()

	if h == nil {
		return
	}
	reply, ok := h.Handle(ctx, sender, msg.Message)
	if !ok || reply == "" {
		return
	}
	b.say(mention(sender.Login, reply))
}

// Notify sends msg to the chat user behind identityID, addressed by @login when the bot
// has seen them or the resolver knows them. Fire and forget.
func (b *Bot) Notify(ctx context.Context, identityID, msg string) {
	if b.client == nil {
		slog.Info("notification", slog.String("identity", identityID), slog.String("msg", msg), slog.String("component", "chat"))
		return
	}
	b.say(mention(b.login(ctx, identityID), msg))
}

// login returns the cached login for identityID, asking the resolver on a miss.
// Failed lookups fall back to an unaddressed message.
func (b *Bot) login(ctx context.Context, identityID string) string {
	b.mu.RLock()
	login, ok := b.logins[identityID]
	r := b.resolver
	b.mu.RUnlock()
	if ok || r == nil || identityID == "" {
		return login
	}
	rctx, cancel := context.WithTimeout(ctx, resolveTimeout)
	defer cancel()
	login, err := r.Login(rctx, identityID)
	if err != nil {
		slog.Debug("login lookup failed", slog.String("identity", identityID), slog.Any("err", err), slog.String("component", "chat"))
		return ""
	}
	b.mu.Lock()
	b.logins[identityID] = login
	b.mu.Unlock()
	return login
}

// NotifyChannel sends msg to the whole channel.
func (b *Bot) NotifyChannel(ctx context.Context, msg string) {
	if b.client == nil {
		slog.Info("channel notification", slog.String("msg", msg), slog.String("component", "chat"))
		return
	}
	b.say(msg)
}

func (b *Bot) say(text string) {
	b.client.Say(b.channel, truncate(text, maxMessageLen))
}

// truncate shortens text to at most limit bytes, ending in "..." and never splitting a rune.
func truncate(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit - 3
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}

func mention(login, msg string) string {
	if login == "" {
		return msg
	}
	return "@" + login + " " + msg
}
