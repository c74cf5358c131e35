package config

import (
	"reflect"
	"sort"
	"strings"

	logx "chatflow/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	// Telegram (never log token).
	oTG, nTG := oldCfg.Telegram, newCfg.Telegram
	if (oTG == nil) != (nTG == nil) ||
		(oTG != nil && nTG != nil &&
			(strings.TrimSpace(oTG.PollTimeout) != strings.TrimSpace(nTG.PollTimeout) ||
				(strings.TrimSpace(oTG.Token) != "") != (strings.TrimSpace(nTG.Token) != ""))) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.present", nTG != nil),
			logx.Bool("telegram.token_set", nTG != nil && strings.TrimSpace(nTG.Token) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Inbound, newCfg.Inbound) {
		changed = append(changed, "inbound")
		attrs = append(attrs,
			logx.Bool("inbound.buffering", newCfg.Inbound.BufferingEnabled()),
			logx.String("inbound.buffer_time", strings.TrimSpace(newCfg.Inbound.BufferTime)),
			logx.Int("inbound.max_batch_size", newCfg.Inbound.MaxBatchSize),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.batch_size", newCfg.Broadcast.BatchSize),
			logx.Int("broadcast.concurrency_limit", newCfg.Broadcast.ConcurrencyLimit),
			logx.Int("broadcast.messages_per_minute", newCfg.Broadcast.MessagesPerMinute),
			logx.Bool("broadcast.stop_on_error", newCfg.Broadcast.StopOnError),
		)
	}

	// Storage: nil means disabled.
	oS, nS := oldCfg.Storage, newCfg.Storage
	var oPath, nPath, oBusy, nBusy string
	if oS != nil {
		oPath, oBusy = strings.TrimSpace(oS.Path), strings.TrimSpace(oS.BusyTimeout)
	}
	if nS != nil {
		nPath, nBusy = strings.TrimSpace(nS.Path), strings.TrimSpace(nS.BusyTimeout)
	}
	if oPath != nPath || oBusy != nBusy {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", nPath != ""),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Schedules, newCfg.Schedules) {
		changed = append(changed, "schedules")
		attrs = append(attrs, logx.Int("schedules.count", len(newCfg.Schedules)))
	}

	sort.Strings(changed)
	return changed, attrs
}
