// Package logger builds the process-wide zerolog.Logger.
package logger

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/edgelb/edgelb/config"
)

// New returns a configured root logger. Development environments get a
// human-readable console writer; anything else gets JSON on stdout.
func New(cfg *config.Config) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out zerolog.ConsoleWriter
	useConsole := cfg.LogFormat == "console" || (cfg.LogFormat == "" && cfg.IsDevelopment())
	if useConsole {
		out = zerolog.ConsoleWriter{Out: os.Stderr}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
