// Command osu-tender is the main entrypoint for the osu! stats chat bot.
// It:
//   - Loads configuration and initializes structured logging and optional tracing.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts the leaderboard sync, the render queue with its sweeper, the o!rdr completion
//     listener and the Twitch chat bot.
//   - Exposes the HTTP server: account linking, /healthz, /readyz, /status, /leaderboard,
//     /metrics and the admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/osu-tender/auth"
	"github.com/onnwee/osu-tender/chat"
	"github.com/onnwee/osu-tender/config"
	"github.com/onnwee/osu-tender/crypto"
	"github.com/onnwee/osu-tender/db"
	"github.com/onnwee/osu-tender/leaderboard"
	"github.com/onnwee/osu-tender/osuapi"
	"github.com/onnwee/osu-tender/render"
	"github.com/onnwee/osu-tender/server"
	"github.com/onnwee/osu-tender/telemetry"
	"github.com/onnwee/osu-tender/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateOsu(); err != nil {
		slog.Error("osu! credentials missing", slog.Any("err", err))
		os.Exit(1)
	}

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("osu-tender", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first; the embedded SQL covers databases that predate them.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL", slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
	}

	var enc crypto.Encryptor
	if cfg.EncryptionKey != "" {
		aes, err := crypto.NewAESEncryptor(cfg.EncryptionKey)
		if err != nil {
			slog.Error("invalid ENCRYPTION_KEY", slog.Any("err", err))
			os.Exit(1)
		}
		enc = aes
	} else {
		slog.Warn("ENCRYPTION_KEY not set; refresh tokens are stored in plaintext", slog.String("component", "db"))
	}
	links := db.NewLinkStore(database, enc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Statistics provider and token broker
	oauth := osuapi.NewOAuth(cfg.OsuClientID, cfg.OsuClientSecret, cfg.OsuRedirectURI, cfg.OsuAuthorizeURL, cfg.OsuTokenURL)
	api := osuapi.NewClient(cfg.OsuAPIBase, nil)
	broker := auth.NewBroker(oauth, links, nil)
	defer broker.Stop()

	// Chat bot: command intake and notification sink
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat bot disabled", slog.Any("err", err))
	}
	bot := chat.NewBot(cfg.TwitchBotUsername, cfg.TwitchOAuthToken, cfg.TwitchChannel)
	if cfg.TwitchClientID != "" && cfg.TwitchClientSecret != "" {
		bot.SetLoginResolver(twitchapi.NewHelixClient(cfg.TwitchClientID, cfg.TwitchClientSecret))
	}

	// Link tokens bind an account-link URL to the chat identity it was handed to.
	linkTokens := auth.NewLinkTokens(cfg.LinkTokenTTL, nil)
	relinkURL := func(identityID string) string {
		tok, err := linkTokens.Issue(identityID)
		if err != nil {
			slog.Error("issuing link token failed", slog.Any("err", err), slog.String("identity", identityID))
			return ""
		}
		return cfg.LinkURL(tok)
	}

	cache := leaderboard.NewCache()
	scheduler := leaderboard.NewScheduler(cache, broker, links, api, bot, leaderboard.Options{
		Interval:   cfg.SyncInterval,
		BatchSize:  cfg.SyncBatchSize,
		OperatorID: cfg.OsuOperatorID,
		RelinkURL:  relinkURL,
	})

	ordr := render.NewOrdrClient(cfg.OrdrAPIBase, nil, render.OrdrOptions{
		APIKey:     cfg.OrdrAPIKey,
		Skin:       cfg.OrdrSkin,
		Resolution: cfg.OrdrResolution,
	})
	queue := render.NewQueue(ordr, bot, cfg.RenderSpacing, nil)
	listener := render.NewListener(cfg.OrdrWSURL, queue)

	bot.SetHandler(&chat.Commands{
		Cache:      cache,
		Users:      api,
		Tokens:     broker,
		Links:      links,
		Queue:      queue,
		LinkTokens: linkTokens,
		LinkURL:    cfg.LinkURL,
	})

	var wg sync.WaitGroup
	goRun := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	goRun(func() { scheduler.Run(ctx) })
	goRun(func() { queue.Run(ctx) })
	goRun(func() { queue.RunSweeper(ctx, time.Minute, cfg.RenderInFlightMaxAge) })
	goRun(func() { listener.Run(ctx) })
	goRun(func() {
		if err := bot.Run(ctx); err != nil {
			slog.Error("chat bot exited with error", slog.Any("err", err))
		}
	})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	var exchanger server.CodeExchanger
	if cfg.OsuRedirectURI != "" {
		exchanger = oauth
	} else {
		slog.Warn("OSU_REDIRECT_URI not set; account linking disabled", slog.String("component", "oauth"))
	}
	deps := server.Deps{
		DB:         links,
		Links:      links,
		LinkTokens: linkTokens,
		OAuth:      exchanger,
		Users:      api,
		Cache:      cache,
		Sync:       scheduler,
		Renders:    queue,
		Listener:   listener,
		Notifier:   bot,
	}
	goRun(func() {
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
			stop()
		}
	})

	<-ctx.Done()
	slog.Info("shutting down")
	wg.Wait()
}
