package leaderboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/onnwee/osu-tender/db"
	"github.com/onnwee/osu-tender/osuapi"
	"github.com/onnwee/osu-tender/telemetry"
)

// ErrCycleRunning is returned by Trigger when a cycle is already in progress.
var ErrCycleRunning = errors.New("sync cycle already running")

// TokenSource supplies bearer tokens.
type TokenSource interface {
	AppToken(ctx context.Context) (string, error)
	UserToken(ctx context.Context, identityID string) (string, bool)
}

// IdentityLister lists every linked identity.
type IdentityLister interface {
	ListLinkedIdentities(ctx context.Context) ([]db.Link, error)
}

// StatsAPI is the subset of the statistics provider the scheduler needs.
type StatsAPI interface {
	Users(ctx context.Context, token string, ids []int64) ([]osuapi.User, error)
	Rooms(ctx context.Context, token string) ([]osuapi.Room, error)
}

// Notifier delivers chat messages to one identity or to the whole channel.
type Notifier interface {
	Notify(ctx context.Context, identityID, msg string)
	NotifyChannel(ctx context.Context, msg string)
}

const (
	roomsPausedMessage  = "Active room listings are paused until the operator re-links their osu! account."
	roomsResumedMessage = "Active room listings are back."
)

// Options tunes a Scheduler. Zero values select the defaults.
type Options struct {
	Interval   time.Duration
	BatchSize  int
	OperatorID string
	// RelinkURL builds the link an identity follows to restart the authorization flow.
	RelinkURL func(identityID string) string
	Clock     clockwork.Clock
}

// Scheduler rebuilds the Cache periodically.
type Scheduler struct {
	cache    *Cache
	tokens   TokenSource
	store    IdentityLister
	api      StatsAPI
	notifier Notifier
	opts     Options

	running          atomic.Bool
	operatorNotified atomic.Bool
	lastSuccess      atomic.Int64
}

// NewScheduler wires a scheduler writing into cache.
func NewScheduler(cache *Cache, tokens TokenSource, store IdentityLister, api StatsAPI, notifier Notifier, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	if opts.BatchSize <= 0 || opts.BatchSize > osuapi.MaxBulkUsers {
		opts.BatchSize = osuapi.MaxBulkUsers
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RelinkURL == nil {
		opts.RelinkURL = func(string) string { return "" }
	}
	return &Scheduler{cache: cache, tokens: tokens, store: store, api: api, notifier: notifier, opts: opts}
}

// Run performs one cycle immediately and then one per interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("leaderboard sync starting", slog.Duration("interval", s.opts.Interval), slog.Int("batch_size", s.opts.BatchSize), slog.String("component", "sync"))
	s.tick(ctx)
	ticker := s.opts.Clock.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("leaderboard sync stopped", slog.String("component", "sync"))
			return
		case <-ticker.Chan():
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if err := s.Trigger(ctx); err != nil && !errors.Is(err, ErrCycleRunning) {
		slog.Warn("sync cycle failed", slog.Any("err", err), slog.String("component", "sync"))
	}
}

// Trigger runs one cycle synchronously unless one is already running, in which case it
// returns ErrCycleRunning without waiting.
func (s *Scheduler) Trigger(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		telemetry.SyncSkipped.Inc()
		slog.Debug("sync cycle skipped: previous cycle still running", slog.String("component", "sync"))
		return ErrCycleRunning
	}
	defer s.running.Store(false)
	return s.cycle(ctx)
}

// Running reports whether a cycle is in progress.
func (s *Scheduler) Running() bool { return s.running.Load() }

// LastSuccess returns when the entry table was last rebuilt, zero if never.
func (s *Scheduler) LastSuccess() time.Time {
	if n := s.lastSuccess.Load(); n != 0 {
		return time.Unix(0, n)
	}
	return time.Time{}
}

// Interval returns the configured cycle interval.
func (s *Scheduler) Interval() time.Duration { return s.opts.Interval }

func (s *Scheduler) cycle(ctx context.Context) (err error) {
	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSyncSpan(ctx)
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "sync"))

	var entries int
	elapsed := telemetry.TimeFunc(telemetry.SyncDuration, func() {
		entries, err = s.rebuildEntries(ctx)
	})
	if err != nil {
		return err
	}
	span.SetAttributes(telemetry.SyncEntriesAttr(entries))
	logger.Info("leaderboard rebuilt", slog.Int("entries", entries), slog.Duration("took", elapsed))
	telemetry.SyncCycles.Inc()

	return s.rebuildRooms(ctx, logger)
}

// rebuildEntries fetches statistics for every linked identity and swaps the table only once
// every batch has succeeded.
func (s *Scheduler) rebuildEntries(ctx context.Context) (int, error) {
	token, err := s.tokens.AppToken(ctx)
	if err != nil {
		telemetry.SyncFailures.WithLabelValues("token").Inc()
		return 0, fmt.Errorf("app token: %w", err)
	}
	links, err := s.store.ListLinkedIdentities(ctx)
	if err != nil {
		telemetry.SyncFailures.WithLabelValues("store").Inc()
		return 0, fmt.Errorf("list linked identities: %w", err)
	}

	byOsu := make(map[int64]db.Link, len(links))
	ids := make([]int64, 0, len(links))
	for _, l := range links {
		if _, dup := byOsu[l.OsuUserID]; dup {
			continue
		}
		byOsu[l.OsuUserID] = l
		ids = append(ids, l.OsuUserID)
	}

	build := make([]Entry, 0, len(ids))
	for _, batch := range partition(ids, s.opts.BatchSize) {
		telemetry.BulkLookups.Inc()
		users, err := s.api.Users(ctx, token, batch)
		if err != nil {
			telemetry.SyncFailures.WithLabelValues("lookup").Inc()
			return 0, fmt.Errorf("bulk lookup: %w", err)
		}
		for _, u := range users {
			l, ok := byOsu[u.ID]
			if !ok {
				continue
			}
			build = append(build, Entry{
				IdentityID:  l.IdentityID,
				OsuID:       u.ID,
				DisplayName: u.Username,
				CountryCode: u.CountryCode,
				Stats:       withAllModes(u.Stats),
			})
		}
	}

	now := s.opts.Clock.Now()
	s.cache.replaceEntries(build, now)
	s.lastSuccess.Store(now.UnixNano())
	telemetry.CacheEntries.Set(float64(len(build)))
	return len(build), nil
}

func (s *Scheduler) rebuildRooms(ctx context.Context, logger *slog.Logger) error {
	if s.opts.OperatorID == "" {
		logger.Debug("no operator configured; skipping rooms")
		return nil
	}
	token, ok := s.tokens.UserToken(ctx, s.opts.OperatorID)
	if !ok {
		telemetry.SyncFailures.WithLabelValues("operator_token").Inc()
		if s.operatorNotified.CompareAndSwap(false, true) {
			logger.Warn("operator credential unavailable; rooms paused until re-link", slog.String("operator", s.opts.OperatorID))
			if s.notifier != nil {
				s.notifier.Notify(ctx, s.opts.OperatorID, relinkMessage(s.opts.RelinkURL(s.opts.OperatorID)))
				s.notifier.NotifyChannel(ctx, roomsPausedMessage)
			}
		}
		return nil
	}
	if s.operatorNotified.Swap(false) && s.notifier != nil {
		s.notifier.NotifyChannel(ctx, roomsResumedMessage)
	}

	rooms, err := s.api.Rooms(ctx, token)
	if err != nil {
		telemetry.SyncFailures.WithLabelValues("rooms").Inc()
		return fmt.Errorf("list rooms: %w", err)
	}
	s.cache.replaceRooms(rooms, s.opts.Clock.Now())
	telemetry.CacheRooms.Set(float64(len(rooms)))
	logger.Debug("rooms rebuilt", slog.Int("rooms", len(rooms)))
	return nil
}

func relinkMessage(url string) string {
	msg := "Your osu! link has expired, so active rooms are no longer being refreshed. Please re-link your account"
	if url != "" {
		return msg + ": " + url
	}
	return msg + "."
}

func partition(ids []int64, size int) [][]int64 {
	var out [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[start:end])
	}
	return out
}

func withAllModes(in map[osuapi.Mode]osuapi.Statistics) map[osuapi.Mode]osuapi.Statistics {
	out := make(map[osuapi.Mode]osuapi.Statistics, len(osuapi.Modes))
	for _, m := range osuapi.Modes {
		out[m] = in[m]
	}
	return out
}
