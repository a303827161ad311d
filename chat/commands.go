package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/onnwee/osu-tender/db"
	"github.com/onnwee/osu-tender/leaderboard"
	"github.com/onnwee/osu-tender/osuapi"
	"github.com/onnwee/osu-tender/render"
	"github.com/onnwee/osu-tender/telemetry"
)

// Sender identifies who issued a command.
type Sender struct {
	IdentityID  string
	Login       string
	DisplayName string
}

// Command is a parsed "!name arg..." message.
type Command struct {
	Name string
	Args []string
}

// ParseCommand extracts a command from a chat line. Names are case-insensitive.
func ParseCommand(text string) (Command, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "!") || len(fields[0]) < 2 {
		return Command{}, false
	}
	return Command{Name: strings.ToLower(fields[0][1:]), Args: fields[1:]}, true
}

// StatsReader is the read side of the leaderboard cache.
type StatsReader interface {
	Lookup(identityID string) (leaderboard.Entry, bool)
	Top(mode osuapi.Mode, n int) []leaderboard.Entry
	RoomByHost(hostID int64) (osuapi.Room, bool)
	Rooms() *leaderboard.RoomSnapshot
}

// UserLookup fetches a single user live from the statistics API.
type UserLookup interface {
	User(ctx context.Context, token, key string, byName bool, mode osuapi.Mode) (*osuapi.User, error)
}

// AppTokenSource yields the app bearer token.
type AppTokenSource interface {
	AppToken(ctx context.Context) (string, error)
}

// LinkStore reads and removes identity links.
type LinkStore interface {
	GetLink(ctx context.Context, identityID string) (db.Link, bool, error)
	Unlink(ctx context.Context, identityID string) (bool, error)
}

// LinkIssuer mints the one-time tokens that authorize an account link for one identity.
type LinkIssuer interface {
	Issue(identityID string) (string, error)
}

// RenderQueue is the submission side of the render pipeline.
type RenderQueue interface {
	Submit(job render.Job) int
	Position(identityID string) int
	Stats() render.Stats
}

// Commands implements the bot's command set.
type Commands struct {
	Cache   StatsReader
	Users   UserLookup
	Tokens  AppTokenSource
	Links   LinkStore
	Queue   RenderQueue
	// LinkTokens and LinkURL build the personal link handed to a sender.
	LinkTokens LinkIssuer
	LinkURL    func(token string) string
	Now     func() time.Time
	TopSize int
}

// Handle runs the command in text for sender and returns the reply. ok is false when text
// is not a known command.
func (c *Commands) Handle(ctx context.Context, sender Sender, text string) (string, bool) {
	cmd, ok := ParseCommand(text)
	if !ok {
		return "", false
	}
	var reply string
	switch cmd.Name {
	case "link":
		reply = c.link(ctx, sender)
	case "unlink":
		reply = c.unlink(ctx, sender)
	case "stats":
		reply = c.stats(ctx, sender, cmd.Args)
	case "top":
		reply = c.top(cmd.Args)
	case "rooms":
		reply = c.rooms(sender)
	case "render":
		reply = c.render(sender, cmd.Args)
	case "queue":
		reply = c.queue(sender)
	default:
		return "", false
	}
	telemetry.LoggerWithCorr(ctx).Debug("chat command handled", slog.String("command", cmd.Name), slog.String("identity", sender.IdentityID), slog.String("component", "chat"))
	return reply, true
}

// linkURL mints a link token for sender. It returns "" when none could be issued.
func (c *Commands) linkURL(sender Sender) string {
	tok, err := c.LinkTokens.Issue(sender.IdentityID)
	if err != nil {
		slog.Error("issuing link token failed", slog.Any("err", err), slog.String("identity", sender.IdentityID), slog.String("component", "chat"))
		return ""
	}
	return c.LinkURL(tok)
}

const linkUnavailable = "Linking is unavailable right now. Please try again later."

func (c *Commands) notLinked(sender Sender) string {
	url := c.linkURL(sender)
	if url == "" {
		return "You have not linked an osu! account yet. " + linkUnavailable
	}
	return "You have not linked an osu! account yet. Link it here: " + url
}

func (c *Commands) link(ctx context.Context, sender Sender) string {
	url := c.linkURL(sender)
	if url == "" {
		return linkUnavailable
	}
	l, ok, err := c.Links.GetLink(ctx, sender.IdentityID)
	if err != nil {
		slog.Warn("link lookup failed", slog.Any("err", err), slog.String("identity", sender.IdentityID), slog.String("component", "chat"))
	}
	if ok {
		return fmt.Sprintf("You are linked to %s. To link another account: %s", l.Username, url)
	}
	return "Link your osu! account here: " + url
}

func (c *Commands) unlink(ctx context.Context, sender Sender) string {
	removed, err := c.Links.Unlink(ctx, sender.IdentityID)
	if err != nil {
		slog.Error("unlink failed", slog.Any("err", err), slog.String("identity", sender.IdentityID), slog.String("component", "chat"))
		return "Something went wrong while unlinking. Please try again later."
	}
	if !removed {
		return "You have no linked osu! account."
	}
	return "Your osu! account has been unlinked."
}

// stats answers "!stats", "!stats <mode>", "!stats <name>" and "!stats <name> <mode>".
func (c *Commands) stats(ctx context.Context, sender Sender, args []string) string {
	mode := osuapi.ModeOsu
	if len(args) > 0 {
		if m, ok := osuapi.ParseMode(args[len(args)-1]); ok {
			mode = m
			args = args[:len(args)-1]
		}
	}
	if len(args) == 0 {
		e, ok := c.Cache.Lookup(sender.IdentityID)
		if !ok {
			return c.notLinked(sender)
		}
		return formatStats(e.DisplayName, mode, e.Stats[mode])
	}

	name := strings.Join(args, " ")
	token, err := c.Tokens.AppToken(ctx)
	if err != nil {
		slog.Warn("stats lookup: app token unavailable", slog.Any("err", err), slog.String("component", "chat"))
		return "The osu! API is unavailable right now. Please try again later."
	}
	u, err := c.Users.User(ctx, token, name, true, mode)
	if errors.Is(err, osuapi.ErrUserNotFound) {
		return fmt.Sprintf("No osu! user named %q.", name)
	}
	if err != nil {
		slog.Warn("stats lookup failed", slog.Any("err", err), slog.String("user", name), slog.String("component", "chat"))
		return "The osu! API is unavailable right now. Please try again later."
	}
	return formatStats(u.Username, mode, u.Stats[mode])
}

func formatStats(name string, mode osuapi.Mode, s osuapi.Statistics) string {
	rank := "unranked"
	if s.GlobalRank > 0 {
		rank = fmt.Sprintf("#%d", s.GlobalRank)
	}
	return fmt.Sprintf("%s (%s): %.0fpp | %s | %.2f%% acc | %d plays | lv%d", name, mode, s.PP, rank, s.Accuracy, s.PlayCount, s.Level)
}

func (c *Commands) top(args []string) string {
	mode := osuapi.ModeOsu
	if len(args) > 0 {
		m, ok := osuapi.ParseMode(args[0])
		if !ok {
			return fmt.Sprintf("Unknown mode %q. Use osu, taiko, fruits or mania.", args[0])
		}
		mode = m
	}
	n := c.TopSize
	if n <= 0 {
		n = 5
	}
	entries := c.Cache.Top(mode, n)
	if len(entries) == 0 {
		return "No linked players yet."
	}
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = fmt.Sprintf("%d. %s %.0fpp", i+1, e.DisplayName, e.Score(mode))
	}
	return fmt.Sprintf("Top %s: %s", mode, strings.Join(parts, ", "))
}

func (c *Commands) rooms(sender Sender) string {
	if e, ok := c.Cache.Lookup(sender.IdentityID); ok {
		if r, ok := c.Cache.RoomByHost(e.OsuID); ok {
			return fmt.Sprintf("You are hosting %q (%s, %d players).", r.Name, r.Type, r.Participants)
		}
	}
	snap := c.Cache.Rooms()
	switch n := len(snap.Rooms); n {
	case 0:
		return "No active rooms right now."
	case 1:
		return fmt.Sprintf("1 active room: %q.", snap.Rooms[0].Name)
	default:
		names := make([]string, 0, 3)
		for _, r := range snap.Rooms {
			if len(names) == 3 {
				break
			}
			names = append(names, fmt.Sprintf("%q", r.Name))
		}
		return fmt.Sprintf("%d active rooms: %s.", n, strings.Join(names, ", "))
	}
}

func (c *Commands) render(sender Sender, args []string) string {
	if len(args) == 0 {
		return "Usage: !render <link to .osr replay>"
	}
	replay, err := render.ValidateReplay(args[0])
	if err != nil {
		return "Please provide an http(s) link to an .osr replay file."
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	name := sender.DisplayName
	if name == "" {
		name = sender.Login
	}
	pos := c.Queue.Submit(render.NewJob(replay, name, sender.IdentityID, now()))
	return fmt.Sprintf("Replay queued at position %d. I'll ping you when the video is ready.", pos)
}

func (c *Commands) queue(sender Sender) string {
	st := c.Queue.Stats()
	msg := fmt.Sprintf("Render queue: %d waiting, %d rendering.", st.Pending, st.InFlight)
	if pos := c.Queue.Position(sender.IdentityID); pos > 0 {
		msg += fmt.Sprintf(" Your replay is #%d.", pos)
	}
	return msg
}
