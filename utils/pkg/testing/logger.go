// Package incentivestesting holds helpers shared by the engine's tests.
package incentivestesting

import (
	"log/slog"
	"os"

	"github.com/malbeclabs/incentives/utils/pkg/logger"
)

// NewLogger returns the logger tests hand to the code under test. It writes
// to stderr in the LOG_FORMAT the binary uses, at the level picked by DEBUG.
func NewLogger() *slog.Logger {
	return logger.NewWithLevel(os.Stderr, Level(os.Getenv("DEBUG")), logger.ParseFormat(os.Getenv("LOG_FORMAT")))
}

// Level maps a DEBUG value to a log level: "2" is debug, "1" is info and
// anything else keeps test output to errors.
func Level(debug string) slog.Level {
	switch debug {
	case "2":
		return slog.LevelDebug
	case "1":
		return slog.LevelInfo
	default:
		return slog.LevelError
	}
}
