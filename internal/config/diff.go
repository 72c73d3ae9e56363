package config

import (
	"reflect"
	"sort"
	"strings"

	logx "extractd/pkg/logx"
)

// Sections that only take effect on restart.
var restartSections = map[string]bool{
	"storage":   true,
	"workers":   true,
	"recovery":  true,
	"health":    true,
	"extractor": true,
	"http":      true,
}

// SummarizeConfigChange returns the changed sections, structured attrs safe
// to log (tokens are never included), and the subset of changed sections
// that need a restart to take effect.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Workers, newCfg.Workers) {
		changed = append(changed, "workers")
		attrs = append(attrs,
			logx.Int("workers.count", newCfg.Workers.Count),
			logx.String("workers.deadline", strings.TrimSpace(newCfg.Workers.Deadline)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Recovery, newCfg.Recovery) {
		changed = append(changed, "recovery")
		attrs = append(attrs,
			logx.String("recovery.stale_after", strings.TrimSpace(newCfg.Recovery.StaleAfter)),
			logx.String("recovery.sweep_every", strings.TrimSpace(newCfg.Recovery.SweepEvery)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Health, newCfg.Health) {
		changed = append(changed, "health")
		attrs = append(attrs, logx.Int("health.recent_failures", newCfg.Health.RecentFailures))
	}

	if !reflect.DeepEqual(oldCfg.Extractor, newCfg.Extractor) {
		changed = append(changed, "extractor")
		attrs = append(attrs,
			logx.String("extractor.command", strings.TrimSpace(newCfg.Extractor.Command)),
			logx.Int("extractor.args", len(newCfg.Extractor.Args)),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	oR, nR := derefRefresh(oldCfg.Refresh), derefRefresh(newCfg.Refresh)
	if !reflect.DeepEqual(oR, nR) {
		changed = append(changed, "refresh")
		attrs = append(attrs,
			logx.Bool("refresh.enabled", nR.Enabled),
			logx.String("refresh.schedule", strings.TrimSpace(nR.Schedule)),
			logx.String("refresh.source", strings.TrimSpace(nR.Source)),
			logx.Int("refresh.topics", len(nR.Topics)),
		)
	}

	// Notifier: compare everything, but only log whether the token is set.
	oN, nN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(oN, nN) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", nN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(nN.Token) != ""),
			logx.Bool("notifier.token_changed", oN.Token != nN.Token),
			logx.Int64("notifier.chat_id", nN.ChatID),
			logx.Float64("notifier.rate_per_sec", nN.RatePerSec),
		)
	}

	sort.Strings(changed)
	var restart []string
	for _, s := range changed {
		if restartSections[s] {
			restart = append(restart, s)
		}
	}
	return changed, attrs, restart
}

func derefRefresh(r *RefreshConfig) RefreshConfig {
	if r == nil {
		return RefreshConfig{}
	}
	return *r
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
