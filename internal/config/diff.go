package config

import (
	"sort"
	"strings"

	logx "github.com/Alpizar28/TecBot-api/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging. Secrets (tokens, passwords) are never included,
// only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Telegram (never log token)
	if (strings.TrimSpace(oldCfg.Telegram.Token) != "") != (strings.TrimSpace(newCfg.Telegram.Token) != "") ||
		oldCfg.Telegram.AlertChatID != newCfg.Telegram.AlertChatID ||
		strings.TrimSpace(oldCfg.Telegram.Timeout) != strings.TrimSpace(newCfg.Telegram.Timeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Bool("telegram.alert_chat_set", newCfg.Telegram.AlertChatID != 0),
			logx.String("telegram.timeout", strings.TrimSpace(newCfg.Telegram.Timeout)),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	// Storage
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Sessions
	if strings.TrimSpace(oldCfg.Sessions.Dir) != strings.TrimSpace(newCfg.Sessions.Dir) {
		changed = append(changed, "sessions")
		attrs = append(attrs, logx.String("sessions.dir", strings.TrimSpace(newCfg.Sessions.Dir)))
	}

	// Portal
	if oldCfg.Portal != newCfg.Portal {
		changed = append(changed, "portal")
		attrs = append(attrs,
			logx.String("portal.base_url", strings.TrimSpace(newCfg.Portal.BaseURL)),
			logx.String("portal.timeout", strings.TrimSpace(newCfg.Portal.Timeout)),
		)
	}

	// Vault (never log token). Nil section means disabled.
	oV := derefVault(oldCfg.Vault)
	nV := derefVault(newCfg.Vault)
	if (oldCfg.Vault != nil) != (newCfg.Vault != nil) ||
		oV.Enabled != nV.Enabled ||
		strings.TrimSpace(oV.BaseURL) != strings.TrimSpace(nV.BaseURL) ||
		strings.TrimSpace(oV.RootFolderID) != strings.TrimSpace(nV.RootFolderID) ||
		strings.TrimSpace(oV.Timeout) != strings.TrimSpace(nV.Timeout) ||
		(strings.TrimSpace(oV.Token) != "") != (strings.TrimSpace(nV.Token) != "") {
		changed = append(changed, "vault")
		attrs = append(attrs,
			logx.Bool("vault.present", newCfg.Vault != nil),
			logx.Bool("vault.enabled", nV.Enabled),
			logx.Bool("vault.token_set", strings.TrimSpace(nV.Token) != ""),
		)
	}

	// Retry
	if oldCfg.Retry != newCfg.Retry {
		changed = append(changed, "retry")
		attrs = append(attrs,
			logx.Int("retry.attempts", newCfg.Retry.Attempts),
			logx.String("retry.base", strings.TrimSpace(newCfg.Retry.Base)),
		)
	}

	// Cycle
	if oldCfg.Cycle != newCfg.Cycle {
		changed = append(changed, "cycle")
		attrs = append(attrs,
			logx.String("cycle.schedule", strings.TrimSpace(newCfg.Cycle.Schedule)),
			logx.Int("cycle.concurrency", newCfg.Cycle.Concurrency),
		)
	}

	// Alerts
	if oldCfg.Alerts != newCfg.Alerts {
		changed = append(changed, "alerts")
		attrs = append(attrs,
			logx.Int("alerts.partial_percent", newCfg.Alerts.PartialPercent),
			logx.Int("alerts.failed_users", newCfg.Alerts.FailedUsers),
		)
	}

	// HTTP
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)))
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefVault(v *VaultConfig) VaultConfig {
	if v == nil {
		return VaultConfig{}
	}
	return *v
}
