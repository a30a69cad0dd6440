package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Sessions SessionsConfig `json:"sessions"`
	Portal   PortalConfig   `json:"portal"`
	Vault    *VaultConfig   `json:"vault,omitempty"`
	Retry    RetryConfig    `json:"retry,omitempty"`
	Cycle    CycleConfig    `json:"cycle,omitempty"`
	Alerts   AlertsConfig   `json:"alerts,omitempty"`
	HTTP     HTTPConfig     `json:"http,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// AlertChatID receives cycle anomaly alerts. 0 disables alert delivery
	// (evaluation still runs and logs).
	AlertChatID int64 `json:"alert_chat_id,omitempty"`
	// Timeout is a Go duration string bounding one Telegram API call.
	Timeout string `json:"timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     int64  `json:"chat_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/tecbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

type SessionsConfig struct {
	// Dir is where per-user session cookie files live.
	Dir string `json:"dir"`
}

type PortalConfig struct {
	BaseURL string `json:"base_url"`
	// Timeout is a Go duration string bounding one portal HTTP call.
	Timeout string `json:"timeout,omitempty"`
}

// VaultConfig controls the optional file-vault sink. When the section is
// omitted, document notifications degrade to direct-download links.
type VaultConfig struct {
	Enabled      bool   `json:"enabled"`
	BaseURL      string `json:"base_url"`
	Token        string `json:"token,omitempty"`
	RootFolderID string `json:"root_folder_id,omitempty"`
	Timeout      string `json:"timeout,omitempty"`
}

// RetryConfig tunes the resilient call executor.
//
// Defaults: attempts=3, base="400ms".
type RetryConfig struct {
	Attempts int    `json:"attempts,omitempty"`
	Base     string `json:"base,omitempty"`
}

// CycleConfig controls the periodic relay cycle.
//
// Defaults: schedule="*/5 * * * *", concurrency=3.
type CycleConfig struct {
	Schedule    string `json:"schedule,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
}

// AlertsConfig sets cycle anomaly thresholds.
//
// Defaults: partial_percent=20, failed_users=1.
type AlertsConfig struct {
	// PartialPercent alerts when partial/dispatched*100 reaches this value.
	PartialPercent int `json:"partial_percent,omitempty"`
	// FailedUsers alerts when at least this many users failed in a cycle.
	FailedUsers int `json:"failed_users,omitempty"`
}

type HTTPConfig struct {
	Addr         string `json:"addr,omitempty"` // default "127.0.0.1:3002"
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}

// Validate checks the startup-fatal invariants. Anything else gets a default.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if strings.TrimSpace(c.Portal.BaseURL) == "" {
		return errors.New("portal.base_url is required")
	}
	if c.Vault != nil && c.Vault.Enabled && strings.TrimSpace(c.Vault.BaseURL) == "" {
		return errors.New("vault.base_url is required when vault is enabled")
	}
	if spec := strings.TrimSpace(c.Cycle.Schedule); spec != "" {
		parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("cycle.schedule: %w", err)
		}
	}
	if c.Alerts.PartialPercent < 0 || c.Alerts.PartialPercent > 100 {
		return errors.New("alerts.partial_percent must be within [0,100]")
	}
	for path, raw := range map[string]string{
		"telegram.timeout":     c.Telegram.Timeout,
		"storage.busy_timeout": c.Storage.BusyTimeout,
		"portal.timeout":       c.Portal.Timeout,
		"retry.base":           c.Retry.Base,
		"http.read_timeout":    c.HTTP.ReadTimeout,
		"http.write_timeout":   c.HTTP.WriteTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Vault != nil {
		if _, err := ParseDurationField("vault.timeout", c.Vault.Timeout); err != nil {
			return err
		}
	}
	return nil
}
