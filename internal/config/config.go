package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

const (
	DefaultConfigPath = "platfoxbot.toml"
	DefaultCachePath  = "platfoxbot.cache.json"
	DefaultSchedule   = "*/15 * * * *"

	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

type Config struct {
	// Cache is the cursor file location. It wins over the command line default.
	Cache string `toml:"cache" env:"PLATFOX_CACHE"`

	Telegram         TelegramConfig         `toml:"telegram"`
	Twitter          TwitterConfig          `toml:"twitter"`
	TelegramChannels TelegramChannelsConfig `toml:"telegram_channels"`
	RSS              RSSConfig              `toml:"rss"`
	Sync             SyncConfig             `toml:"sync"`
}

// TelegramConfig describes the destination.
type TelegramConfig struct {
	Token           string        `toml:"token"            env:"PLATFOX_TELEGRAM_TOKEN"`
	ChatID          string        `toml:"chat_id"          env:"PLATFOX_TELEGRAM_CHAT_ID"`
	ServerURL       string        `toml:"server_url"       env:"PLATFOX_TELEGRAM_SERVER_URL"`
	PublishInterval time.Duration `toml:"publish_interval" env:"PLATFOX_PUBLISH_INTERVAL"`
}

type TwitterConfig struct {
	Token    string   `toml:"token"     env:"PLATFOX_TWITTER_TOKEN"`
	IDs      []string `toml:"ids"       env:"PLATFOX_TWITTER_IDS"`
	BaseURL  string   `toml:"base_url"  env:"PLATFOX_TWITTER_BASE_URL"`
	PageSize int      `toml:"page_size" env:"PLATFOX_TWITTER_PAGE_SIZE"`
}

type TelegramChannelsConfig struct {
	Slugs   []string `toml:"slugs"    env:"PLATFOX_TELEGRAM_CHANNELS"`
	BaseURL string   `toml:"base_url"`
}

type RSSConfig struct {
	Feeds []string `toml:"feeds" env:"PLATFOX_RSS_FEEDS"`
}

type SyncConfig struct {
	MaxConcurrency int    `toml:"max_concurrency" env:"PLATFOX_MAX_CONCURRENCY"`
	CursorBackend  string `toml:"cursor_backend"  env:"PLATFOX_CURSOR_BACKEND"`
	Schedule       string `toml:"schedule"        env:"PLATFOX_SCHEDULE"`
}

// Load reads the TOML file at path and applies environment overrides on top.
func Load(ctx context.Context, path string, log *slog.Logger) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config file: %w", err)
	}

	for _, key := range md.Undecoded() {
		log.WarnContext(ctx, "Unknown config key is ignored",
			"key", key.String(),
			"configPath", path)
	}

	if err = env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.normalize()

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) normalize() {
	c.Cache = strings.TrimSpace(c.Cache)
	c.Telegram.Token = strings.TrimSpace(c.Telegram.Token)
	c.Telegram.ChatID = strings.TrimSpace(c.Telegram.ChatID)
	c.Twitter.Token = strings.TrimSpace(c.Twitter.Token)
	c.Twitter.IDs = cleanList(c.Twitter.IDs)
	c.TelegramChannels.Slugs = cleanList(c.TelegramChannels.Slugs)
	c.RSS.Feeds = cleanList(c.RSS.Feeds)

	c.Sync.CursorBackend = strings.ToLower(strings.TrimSpace(c.Sync.CursorBackend))
	if c.Sync.CursorBackend == "" {
		c.Sync.CursorBackend = BackendJSON
	}

	c.Sync.Schedule = strings.TrimSpace(c.Sync.Schedule)
	if c.Sync.Schedule == "" {
		c.Sync.Schedule = DefaultSchedule
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Telegram.Token == "" {
		errs = append(errs, errors.New("telegram.token is required"))
	}

	if c.Telegram.ChatID == "" {
		errs = append(errs, errors.New("telegram.chat_id is required"))
	}

	if len(c.Twitter.IDs) > 0 && c.Twitter.Token == "" {
		errs = append(errs, errors.New("twitter.token is required when twitter.ids is set"))
	}

	if c.AccountCount() == 0 {
		errs = append(errs, errors.New("no accounts configured"))
	}

	if c.Telegram.PublishInterval < 0 {
		errs = append(errs, errors.New("telegram.publish_interval must not be negative"))
	}

	if c.Sync.MaxConcurrency < 0 {
		errs = append(errs, errors.New("sync.max_concurrency must not be negative"))
	}

	if c.Sync.CursorBackend != BackendJSON && c.Sync.CursorBackend != BackendSQLite {
		errs = append(errs, fmt.Errorf("sync.cursor_backend must be %q or %q, got %q",
			BackendJSON, BackendSQLite, c.Sync.CursorBackend))
	}

	seen := make(map[string]struct{}, c.AccountCount())
	for _, id := range c.AccountIDs() {
		if _, ok := seen[id]; ok {
			errs = append(errs, fmt.Errorf("account %q is configured more than once", id))
		}
		seen[id] = struct{}{}
	}

	return errors.Join(errs...)
}

func (c *Config) AccountCount() int {
	return len(c.Twitter.IDs) + len(c.TelegramChannels.Slugs) + len(c.RSS.Feeds)
}

// AccountIDs lists every configured account in sync order: twitter, telegram channels, feeds.
func (c *Config) AccountIDs() []string {
	ids := make([]string, 0, c.AccountCount())
	ids = append(ids, c.Twitter.IDs...)
	ids = append(ids, c.TelegramChannels.Slugs...)
	ids = append(ids, c.RSS.Feeds...)

	return ids
}

// CursorPath resolves the cursor file: the config value wins over flagPath
// unless ignoreConfig is set.
func (c *Config) CursorPath(flagPath string, ignoreConfig bool) string {
	if !ignoreConfig && c.Cache != "" {
		return c.Cache
	}

	if strings.TrimSpace(flagPath) != "" {
		return strings.TrimSpace(flagPath)
	}

	return DefaultCachePath
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))

	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}

		cleaned = append(cleaned, v)
	}

	return cleaned
}
