package config

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Watch polls path for modification-time changes and hands every valid
// reloaded config to onChange. Invalid reloads are logged and skipped so the
// running config stays in place.
func Watch(ctx context.Context, path string, interval time.Duration, log zerolog.Logger, onChange func(*Config)) {
	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if info.ModTime().Equal(lastMod) {
				continue
			}
			lastMod = info.ModTime()

			log.Info().Str("path", path).Msg("reloading configuration")
			cfg, err := Load(path)
			if err != nil {
				log.Error().Err(err).Msg("config reload failed")
				continue
			}
			if err := Validate(cfg); err != nil {
				log.Error().Err(err).Msg("config validation failed during reload")
				continue
			}
			onChange(cfg)
		}
	}
}
