package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"platfoxbot/internal/config"
	"platfoxbot/internal/cursor"
	"platfoxbot/internal/publisher"
	"platfoxbot/internal/ratelimiter"
	"platfoxbot/internal/scheduler"
	"platfoxbot/internal/source"
	"platfoxbot/internal/syncer"

	"github.com/spf13/cobra"
)

const (
	exitOK      = 0
	exitFailure = 1
)

var errPublishFailed = errors.New("at least one post was not published")

type flags struct {
	configPath            string
	cachePath             string
	ignoreConfigCacheFile bool
	createCache           bool
	logLevel              string
}

// app holds everything a pass needs, built once from the config.
type app struct {
	cfg      *config.Config
	syncer   *syncer.Syncer
	accounts []syncer.Account
	closers  []io.Closer
	log      *slog.Logger
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var f flags

	root := &cobra.Command{
		Use:           "platfoxbot",
		Short:         "Mirror new posts from timelines into a Telegram channel",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), &f)
		},
	}

	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", config.DefaultConfigPath,
		"TOML configuration file")
	root.PersistentFlags().StringVarP(&f.cachePath, "cache", "s", config.DefaultCachePath,
		"cursor file, can be redefined in config")
	root.PersistentFlags().BoolVar(&f.ignoreConfigCacheFile, "ignore-config-cache-file", false,
		"ignore the cursor file set in config and use --cache")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "info",
		"log level: debug, info, warn or error")

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one pass: fetch, save cursors, publish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSync(cmd.Context(), &f)
		},
	}

	for _, cmd := range []*cobra.Command{root, syncCmd} {
		cmd.Flags().BoolVar(&f.createCache, "create-cache", false,
			"fetch and save cursors without publishing, then exit")
	}

	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Run passes on the configured cron schedule until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd.Context(), &f)
		},
	}

	root.AddCommand(syncCmd, watchCmd)

	if err := root.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errPublishFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}

		return exitFailure
	}

	return exitOK
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(log)

	return log, nil
}

func runSync(ctx context.Context, f *flags) error {
	start := time.Now()

	a, err := newApp(ctx, f, syncer.Options{SeedOnly: f.createCache})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	result, err := a.syncer.Run(ctx, a.accounts)
	if err != nil {
		a.log.ErrorContext(ctx, "Failed to run pass",
			"error", err,
			"accountCount", len(a.accounts))

		return err
	}

	if failErr := result.Err(); failErr != nil {
		a.log.WarnContext(ctx, "Pass finished with failures",
			"error", failErr)
	}

	a.log.InfoContext(ctx, "Exiting...",
		"published", result.Published,
		"publishFailures", len(result.PublishFailures),
		"fetchFailures", len(result.FetchErrors),
		"uptimeSeconds", time.Since(start).Seconds())

	if result.PublishFailed() {
		return errPublishFailed
	}

	return nil
}

func runWatch(ctx context.Context, f *flags) error {
	start := time.Now()

	a, err := newApp(ctx, f, syncer.Options{})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	sched := scheduler.New(ctx, a.cfg.Sync.Schedule, a.syncer, a.accounts, a.log)

	if err = sched.Start(); err != nil {
		a.log.ErrorContext(ctx, "Failed to start scheduler",
			"error", err,
			"spec", a.cfg.Sync.Schedule,
			"timezone", time.FixedZone(scheduler.Timezone, scheduler.TimezoneOffsetSeconds).String())

		return err
	}
	a.log.InfoContext(ctx, "Scheduler is started",
		"spec", a.cfg.Sync.Schedule,
		"timezone", time.FixedZone(scheduler.Timezone, scheduler.TimezoneOffsetSeconds).String(),
		"accountCount", len(a.accounts))

	<-ctx.Done()
	a.log.InfoContext(ctx, "Shutdown signal is received",
		"error", ctx.Err())

	sched.Stop()
	a.log.InfoContext(ctx, "Scheduler is stopped",
		"uptimeSeconds", time.Since(start).Seconds())

	return nil
}

func newApp(ctx context.Context, f *flags, opts syncer.Options) (*app, error) {
	log, err := newLogger(f.logLevel)
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "Reading config",
		"configPath", f.configPath)

	cfg, err := config.Load(ctx, f.configPath, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to load config",
			"error", err,
			"configPath", f.configPath)

		return nil, err
	}

	a := &app{cfg: cfg, log: log}

	store, err := a.initCursorStore(ctx, cfg.CursorPath(f.cachePath, f.ignoreConfigCacheFile))
	if err != nil {
		return nil, err
	}

	pub, err := a.initPublisher()
	if err != nil {
		a.close(ctx)

		log.ErrorContext(ctx, "Failed to initialize publisher",
			"error", err)

		return nil, err
	}

	opts.DestinationID = cfg.Telegram.ChatID
	opts.MaxConcurrency = cfg.Sync.MaxConcurrency

	a.accounts = a.buildAccounts()
	a.syncer = syncer.New(store, pub, opts, log)

	log.InfoContext(ctx, "Syncer is initialized",
		"accountCount", len(a.accounts),
		"destinationID", opts.DestinationID,
		"maxConcurrency", opts.MaxConcurrency,
		"seedOnly", opts.SeedOnly)

	return a, nil
}

func (a *app) initCursorStore(ctx context.Context, path string) (cursor.Store, error) {
	if a.cfg.Sync.CursorBackend == config.BackendSQLite {
		store, err := cursor.NewSQLiteStore(ctx, path, a.log)
		if err != nil {
			a.log.ErrorContext(ctx, "Failed to initialize cursor DB",
				"error", err,
				"dbPath", path)

			return nil, err
		}
		a.closers = append(a.closers, store)

		a.log.InfoContext(ctx, "Cursor DB is initialized",
			"dbPath", path)

		return store, nil
	}

	a.log.InfoContext(ctx, "Using cursor file",
		"cursorPath", path)

	return cursor.NewFileStore(path, a.log), nil
}

func (a *app) initPublisher() (publisher.Publisher, error) {
	tg, err := publisher.NewTelegram(publisher.TelegramConfig{
		Token:     a.cfg.Telegram.Token,
		ServerURL: a.cfg.Telegram.ServerURL,
	}, a.log)
	if err != nil {
		return nil, err
	}

	return ratelimiter.New(tg, a.cfg.Telegram.PublishInterval, a.log), nil
}

func (a *app) buildAccounts() []syncer.Account {
	accounts := make([]syncer.Account, 0, a.cfg.AccountCount())

	if len(a.cfg.Twitter.IDs) > 0 {
		tw := source.NewTwitter(source.TwitterConfig{
			Token:    a.cfg.Twitter.Token,
			BaseURL:  a.cfg.Twitter.BaseURL,
			PageSize: a.cfg.Twitter.PageSize,
		}, a.log)

		for _, id := range a.cfg.Twitter.IDs {
			accounts = append(accounts, syncer.Account{ID: id, Fetcher: tw})
		}
	}

	if len(a.cfg.TelegramChannels.Slugs) > 0 {
		channels := source.NewTelegramChannel(a.cfg.TelegramChannels.BaseURL, a.log)

		for _, slug := range a.cfg.TelegramChannels.Slugs {
			accounts = append(accounts, syncer.Account{ID: slug, Fetcher: channels})
		}
	}

	if len(a.cfg.RSS.Feeds) > 0 {
		feeds := source.NewRSS(a.log)

		for _, feedURL := range a.cfg.RSS.Feeds {
			accounts = append(accounts, syncer.Account{ID: feedURL, Fetcher: feeds})
		}
	}

	return accounts
}

func (a *app) close(ctx context.Context) {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.log.ErrorContext(ctx, "Failed to close resource",
				"error", err)
		}
	}
}
