// Package util provides logging and traffic statistics shared by the hub and
// peer roles.
package util

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogTrace(format string, args ...interface{}) {
	pterm.DefaultLogger.Trace(fmt.Sprintf(format, args...))
}

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// SetLevel sets the logger level from its name. Unknown names are rejected
// and leave the current level untouched.
func SetLevel(name string) error {
	lvl, ok := parseLevel(name)
	if !ok {
		return fmt.Errorf("unknown log level %q", name)
	}
	pterm.DefaultLogger.Level = lvl
	return nil
}

func parseLevel(raw string) (pterm.LogLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return pterm.LogLevelTrace, true
	case "debug":
		return pterm.LogLevelDebug, true
	case "", "info":
		return pterm.LogLevelInfo, true
	case "warn", "warning":
		return pterm.LogLevelWarn, true
	case "error":
		return pterm.LogLevelError, true
	case "disabled", "off", "none":
		return pterm.LogLevelDisabled, true
	default:
		return pterm.LogLevelInfo, false
	}
}
