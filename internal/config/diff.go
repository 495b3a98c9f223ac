package config

import (
	"reflect"
	"strings"

	"stackcast/pkg/logx"
)

// Sections that take effect without a restart.
var liveSections = map[string]bool{"logging": true, "publisher": true}

// SummarizeConfigChange returns the changed section names and log fields
// describing them. Tokens are never logged, only whether one is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.Token) != ""),
			logx.Int64("telegram.chat_id", newCfg.Telegram.ChatID),
		)
	}
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
		attrs = append(attrs,
			logx.String("server.addr", newCfg.Server.Addr),
			logx.Bool("server.token_set", strings.TrimSpace(newCfg.Server.Token) != ""),
			logx.Bool("server.allow_insecure", newCfg.Server.AllowInsecure),
		)
	}
	if !reflect.DeepEqual(oldCfg.Publisher, newCfg.Publisher) {
		changed = append(changed, "publisher")
		attrs = append(attrs,
			logx.Int("publisher.max_batch_size", newCfg.Publisher.MaxBatchSize),
			logx.String("publisher.batch_timeout", newCfg.Publisher.BatchTimeout),
			logx.Bool("publisher.enable_batch", newCfg.Publisher.BatchEnabled()),
		)
	}
	if oldCfg.Process != newCfg.Process {
		changed = append(changed, "process")
	}
	if !reflect.DeepEqual(oldCfg.Docker, newCfg.Docker) {
		changed = append(changed, "docker")
		attrs = append(attrs,
			logx.String("docker.stacks_dir", newCfg.Docker.StacksRoot()),
			logx.Bool("docker.events", newCfg.Docker.EventsEnabled()),
		)
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	return changed, attrs
}

// RestartRequired filters changed down to sections that only apply on the
// next start.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		if !liveSections[s] {
			out = append(out, s)
		}
	}
	return out
}
