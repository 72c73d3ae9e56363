package app

import (
	"strings"

	"extractd/internal/config"
	"extractd/internal/extractor"
	"extractd/internal/health"
	"extractd/internal/httpapi"
	"extractd/internal/notifier"
	"extractd/internal/refresh"
	"extractd/internal/scheduler"
	"extractd/internal/store"
	"extractd/internal/worker"
	logx "extractd/pkg/logx"
)

func storeConfig(rt config.Runtime) store.Config {
	return store.Config{
		Path:        rt.StorePath,
		BusyTimeout: rt.StoreBusyTimeout,
		ReadConns:   rt.StoreReadConns,
	}
}

func schedulerConfig(rt config.Runtime) scheduler.Config {
	return scheduler.Config{
		Worker: worker.Config{
			Workers:          rt.Workers,
			Deadline:         rt.Deadline,
			GracePeriod:      rt.GracePeriod,
			ProgressEvery:    rt.ProgressEvery,
			ProgressInterval: rt.ProgressInterval,
			RetryBase:        rt.RetryBase,
			RetryMaxDelay:    rt.RetryMaxDelay,
		},
		StaleAfter: rt.StaleAfter,
		SweepEvery: rt.SweepEvery,
		Health: health.Config{
			RecentFailures: rt.RecentFailures,
			AvgWindow:      rt.AvgWindow,
			Location:       rt.Location,
		},
	}
}

func extractorFor(rt config.Runtime, log logx.Logger) *extractor.Command {
	return &extractor.Command{
		Path:      rt.ExtractorCommand,
		Args:      rt.ExtractorArgs,
		Env:       rt.ExtractorEnv,
		WaitDelay: rt.ExtractorWaitDelay,
		Log:       log,
	}
}

func httpConfig(rt config.Runtime) httpapi.Config {
	return httpapi.Config{
		Addr:              rt.HTTPAddr,
		ReadHeaderTimeout: rt.HTTPReadHeaderTimeout,
		ShutdownTimeout:   rt.HTTPShutdownTimeout,
	}
}

// notifierSender builds the Telegram sender when a token is configured, so
// that enabling the notifier later only needs a config reload.
func notifierSender(c *config.NotifierConfig) (notifier.Sender, error) {
	if c == nil || strings.TrimSpace(c.Token) == "" || c.ChatID == 0 {
		return nil, nil
	}
	tg, err := notifier.NewTelegram(strings.TrimSpace(c.Token), c.ChatID, c.ThreadID)
	if err != nil {
		return nil, err
	}
	return tg, nil
}

// notifierTargetChanged reports whether the bot token or destination differ.
func notifierTargetChanged(oldCfg, newCfg *config.NotifierConfig) bool {
	var a, b config.NotifierConfig
	if oldCfg != nil {
		a = *oldCfg
	}
	if newCfg != nil {
		b = *newCfg
	}
	return strings.TrimSpace(a.Token) != strings.TrimSpace(b.Token) || a.ChatID != b.ChatID || a.ThreadID != b.ThreadID
}

// validate is installed as the config manager's reload validator.
func validate(cfg *config.Config) error {
	if _, err := cfg.Resolve(); err != nil {
		return err
	}
	_, err := refresh.ConfigFrom(cfg.Refresh)
	return err
}
