package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultPollSpec       = "@every 5m"
	DefaultFreshnessHours = 24
	DefaultRecentWindow   = 100
	DefaultHTTPTimeoutSec = 30
	DefaultTimezone       = "Local"
)

type Config struct {
	Feed   FeedConfig   `json:"feed"`
	Vision VisionConfig `json:"vision"`
	Reply  ReplyConfig  `json:"reply"`
	Store  StoreConfig  `json:"store"`
	Poll   PollConfig   `json:"poll"`
	Notify NotifyConfig `json:"notify"`
	Render RenderConfig `json:"render"`
}

type FeedConfig struct {
	BaseURL        string `json:"baseUrl"`
	AccessToken    string `json:"accessToken"`
	SelfID         string `json:"selfId"` // the bot's own account ID, used to spot prior replies
	HTTPTimeoutSec int    `json:"httpTimeoutSec,omitempty"`
}

type VisionConfig struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey"`
	HTTPTimeoutSec int    `json:"httpTimeoutSec,omitempty"`
}

type ReplyConfig struct {
	FreshnessHours int    `json:"freshnessHours"`
	Signature      string `json:"signature,omitempty"`
}

type StoreConfig struct {
	DBPath       string `json:"dbPath,omitempty"`
	RecentWindow int    `json:"recentWindow,omitempty"`
}

type PollConfig struct {
	Spec     string `json:"spec"`
	Timezone string `json:"timezone"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
}

type RenderConfig struct {
	Enabled    bool   `json:"enabled"`
	ConvertCmd string `json:"convertCmd,omitempty"` // external html-to-image converter
	OutDir     string `json:"outDir,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Feed: FeedConfig{
			HTTPTimeoutSec: DefaultHTTPTimeoutSec,
		},
		Vision: VisionConfig{
			HTTPTimeoutSec: DefaultHTTPTimeoutSec,
		},
		Reply: ReplyConfig{
			FreshnessHours: DefaultFreshnessHours,
		},
		Store: StoreConfig{
			DBPath:       filepath.Join(ConfigDir(), "data", "skyreply.db"),
			RecentWindow: DefaultRecentWindow,
		},
		Poll: PollConfig{
			Spec:     DefaultPollSpec,
			Timezone: DefaultTimezone,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".skyreply")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("SKYREPLY_FEED_BASE_URL"); v != "" {
		cfg.Feed.BaseURL = v
	}
	if v := os.Getenv("SKYREPLY_FEED_TOKEN"); v != "" {
		cfg.Feed.AccessToken = v
	}
	if v := os.Getenv("SKYREPLY_SELF_ID"); v != "" {
		cfg.Feed.SelfID = v
	}
	if v := os.Getenv("SKYREPLY_VISION_BASE_URL"); v != "" {
		cfg.Vision.BaseURL = v
	}
	if v := os.Getenv("SKYREPLY_VISION_KEY"); v != "" {
		cfg.Vision.APIKey = v
	}
	if v := os.Getenv("SKYREPLY_DB_PATH"); v != "" {
		cfg.Store.DBPath = v
	}
	if v := os.Getenv("SKYREPLY_POLL_SPEC"); v != "" {
		cfg.Poll.Spec = v
	}
	if v := os.Getenv("SKYREPLY_TIMEZONE"); v != "" {
		cfg.Poll.Timezone = v
	}
	if v := os.Getenv("SKYREPLY_TELEGRAM_TOKEN"); v != "" {
		cfg.Notify.Telegram.Token = v
	}
	if v := os.Getenv("SKYREPLY_TELEGRAM_CHAT_ID"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = parsed
		}
	}

	if cfg.Feed.HTTPTimeoutSec <= 0 {
		cfg.Feed.HTTPTimeoutSec = DefaultHTTPTimeoutSec
	}
	if cfg.Vision.HTTPTimeoutSec <= 0 {
		cfg.Vision.HTTPTimeoutSec = DefaultHTTPTimeoutSec
	}
	if cfg.Reply.FreshnessHours <= 0 {
		cfg.Reply.FreshnessHours = DefaultFreshnessHours
	}
	if cfg.Store.RecentWindow <= 0 {
		cfg.Store.RecentWindow = DefaultRecentWindow
	}
	if cfg.Store.DBPath == "" {
		cfg.Store.DBPath = DefaultConfig().Store.DBPath
	}
	if cfg.Poll.Spec == "" {
		cfg.Poll.Spec = DefaultPollSpec
	}
	if cfg.Poll.Timezone == "" {
		cfg.Poll.Timezone = DefaultTimezone
	}

	return cfg, nil
}

// Location resolves the configured time zone. The daily rate-limit key is
// derived from it, so it must come from config rather than ambient state.
func (c *Config) Location() (*time.Location, error) {
	if c.Poll.Timezone == "" || c.Poll.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Poll.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Poll.Timezone, err)
	}
	return loc, nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
