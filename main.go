// Command icity-echo watches the iCity friends activity page and pushes a
// merged notification to a Feishu webhook when friends post or edit
// activities. It runs as a single check, a fixed-interval loop with quiet
// hours, or a bootstrap that records the current page without notifying.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	gcs "cloud.google.com/go/storage"
	"github.com/adrg/xdg"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"

	"github.com/linccl/iCity-Echo/config"
	"github.com/linccl/iCity-Echo/message"
	"github.com/linccl/iCity-Echo/monitor"
	"github.com/linccl/iCity-Echo/notify"
	"github.com/linccl/iCity-Echo/pkg/activity"
	"github.com/linccl/iCity-Echo/scraper"
	"github.com/linccl/iCity-Echo/storage"
)

const stateObject = "state.json"

type flags struct {
	configPath string
	cookieFile string
	stateFile  string
	webhook    string
	checkURL   string
	baseURL    string
	timeout    int
	maxNotify  int
	once       bool
	loop       bool
	initState  bool
	dryRun     bool
	verbose    bool
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	var f flags
	fs := flag.NewFlagSet("icity-echo", flag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "path to JSON or YAML config file")
	fs.StringVar(&f.cookieFile, "cookie-file", "", "file holding the iCity session cookie")
	fs.StringVar(&f.stateFile, "state-file", "", "path of the snapshot state file")
	fs.StringVar(&f.webhook, "webhook", "", "Feishu webhook URL (overrides config channels)")
	fs.StringVar(&f.checkURL, "check-url", "", "friends page URL to monitor")
	fs.StringVar(&f.baseURL, "base-url", "", "base URL for resolving activity links")
	fs.IntVar(&f.timeout, "timeout", 0, "per-request timeout in seconds")
	fs.IntVar(&f.maxNotify, "max-notify", 0, "max items rendered in one notification")
	fs.BoolVar(&f.once, "once", false, "run a single check cycle and exit")
	fs.BoolVar(&f.loop, "loop", false, "run check cycles at the configured interval")
	fs.BoolVar(&f.initState, "init", false, "record the current page as baseline without notifying")
	fs.BoolVar(&f.dryRun, "dry-run", false, "log notifications instead of dispatching them")
	fs.BoolVar(&f.verbose, "verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	// A .env next to the binary is a convenience for development; missing
	// is fine.
	_ = godotenv.Load()

	level := slog.LevelInfo
	if f.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if f.loop && (f.once || f.initState) {
		logger.Error("--loop cannot be combined with --once or --init")
		return 2
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		logger.Error("Failed to load config", "error", err)
		return 2
	}
	applyOverrides(cfg, &f)

	if cfg.StateFile == "" && cfg.StateBucket == "" {
		path, err := xdg.StateFile("icity-echo/" + stateObject)
		if err != nil {
			logger.Error("Failed to resolve default state path", "error", err)
			return 2
		}
		cfg.StateFile = path
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", "error", err)
		return 2
	}

	cookie, err := loadCookie(cfg.CookieFile)
	if err != nil {
		logger.Error("Failed to load session cookie", "error", err)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, cleanup, err := newStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize state store", "error", err)
		return 2
	}
	defer cleanup()

	sender, err := newSender(cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize notification channel", "error", err)
		return 2
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("Invalid timezone", "error", err)
		return 2
	}
	quiet, err := quietWindow(cfg)
	if err != nil {
		logger.Error("Invalid quiet hours", "error", err)
		return 2
	}

	fetcher := scraper.New(
		&http.Client{Timeout: cfg.Timeout()},
		cfg.CheckURL, cfg.BaseURL, cookie, logger,
	)

	m := monitor.New(fetcher, store, sender, monitor.Options{
		Interval:      cfg.Interval(),
		Quiet:         quiet,
		Location:      loc,
		Limits:        message.Limits{MaxItems: cfg.MaxNotify},
		Normalize:     activity.Options{TrackNameChanges: cfg.TrackNameChanges},
		DryRun:        f.dryRun,
		AlertCooldown: cfg.AlertCooldown(),
		FatalFetch:    scraper.IsAuthError,
	}, logger)

	switch {
	case f.initState:
		return runOnce(ctx, m, true, logger)
	case f.loop || (cfg.Schedule.Enabled && !f.once):
		return runLoop(ctx, m, logger)
	default:
		return runOnce(ctx, m, false, logger)
	}
}

func runOnce(ctx context.Context, m *monitor.Monitor, bootstrap bool, logger *slog.Logger) int {
	outcome, err := m.RunOnce(ctx, bootstrap)
	if err != nil {
		logger.Error("Check cycle failed", "error", err)
		return 1
	}
	if outcome == monitor.OutcomeDispatchFailed || outcome == monitor.OutcomeFetchFailed {
		return 1
	}
	return 0
}

func runLoop(ctx context.Context, m *monitor.Monitor, logger *slog.Logger) int {
	// Under systemd Type=notify these report readiness; elsewhere they are
	// no-ops.
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		logger.Warn("sd_notify failed", "error", err)
	} else if sent {
		logger.Debug("Notified systemd of readiness")
	}
	defer func() {
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	}()

	if err := m.RunLoop(ctx); err != nil {
		logger.Error("Loop stopped", "error", err)
		return 1
	}
	return 0
}

// applyOverrides layers command-line flags over the loaded config.
func applyOverrides(cfg *config.Config, f *flags) {
	if f.cookieFile != "" {
		cfg.CookieFile = f.cookieFile
	}
	if f.stateFile != "" {
		cfg.StateFile = f.stateFile
		cfg.StateBucket = ""
	}
	if f.checkURL != "" {
		cfg.CheckURL = f.checkURL
	}
	if f.baseURL != "" {
		cfg.BaseURL = f.baseURL
	}
	if f.timeout > 0 {
		cfg.TimeoutSeconds = f.timeout
	}
	if f.maxNotify > 0 {
		cfg.MaxNotify = f.maxNotify
	}

	webhook := f.webhook
	if webhook == "" && len(cfg.Channels) == 0 {
		webhook = os.Getenv("FEISHU_WEBHOOK")
	}
	if webhook != "" {
		cfg.Channels = []config.Channel{{Enabled: true, Type: "feishu", Webhook: webhook}}
	}
}

// loadCookie reads the session cookie, preferring the ICITY_COOKIE
// environment variable over the cookie file.
func loadCookie(path string) (string, error) {
	if cookie := os.Getenv("ICITY_COOKIE"); cookie != "" {
		return cookie, nil
	}
	cookie, err := scraper.ReadCookieFile(path)
	if err != nil {
		return "", fmt.Errorf("set ICITY_COOKIE or provide a cookie file: %w", err)
	}
	return cookie, nil
}

// newStore selects the snapshot backend: a GCS bucket when state_bucket is
// set, a local file otherwise.
func newStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*storage.Store, func(), error) {
	if cfg.StateBucket != "" {
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create storage client: %w", err)
		}
		cleanup := func() {
			if err := client.Close(); err != nil {
				logger.Warn("Failed to close storage client", "error", err)
			}
		}
		return storage.NewCloud(client, cfg.StateBucket, stateObject, logger), cleanup, nil
	}
	return storage.NewLocal(cfg.StateFile, logger), func() {}, nil
}

func newSender(cfg *config.Config, logger *slog.Logger) (*notify.Notifier, error) {
	ch, err := cfg.ActiveChannel()
	if err != nil {
		return nil, err
	}

	var provider notify.Provider
	switch ch.Type {
	case "feishu":
		provider = notify.NewFeishuProvider(ch.Webhook, cfg.Timeout(), logger)
	case "mock":
		provider = notify.NewMockProvider(logger)
	default:
		return nil, errors.New("unsupported channel type: " + ch.Type)
	}
	return notify.New(provider, logger), nil
}

// quietWindow converts the configured HH:MM bounds into minute offsets.
func quietWindow(cfg *config.Config) (monitor.QuietWindow, error) {
	start, err := config.ParseClock(cfg.Schedule.QuietHours.Start)
	if err != nil {
		return monitor.QuietWindow{}, err
	}
	end, err := config.ParseClock(cfg.Schedule.QuietHours.End)
	if err != nil {
		return monitor.QuietWindow{}, err
	}
	return monitor.QuietWindow{Start: start, End: end}, nil
}
