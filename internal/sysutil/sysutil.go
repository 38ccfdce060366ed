// Package sysutil holds process-level helpers for the server entrypoint:
// global logger setup and instance identification.
package sysutil

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SetLogLevel configures the global zerolog level based on a string value.
// Supported values (case-insensitive): debug, info, warn, error, fatal, panic.
func SetLogLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info", "":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "fatal":
		zerolog.SetGlobalLevel(zerolog.FatalLevel)
	case "panic":
		zerolog.SetGlobalLevel(zerolog.PanicLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// LogOptions selects the global logger's shape.
type LogOptions struct {
	Level    string
	Pretty   bool
	Service  string
	Instance string
	// Out defaults to stderr.
	Out io.Writer
}

// SetupLogger installs the global zerolog logger: JSON lines by default, a
// console writer when Pretty is set. Every line carries service and instance.
func SetupLogger(o LogOptions) zerolog.Logger {
	SetLogLevel(o.Level)
	out := o.Out
	if out == nil {
		out = os.Stderr
	}
	if o.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lc := zerolog.New(out).With().Timestamp()
	if o.Service != "" {
		lc = lc.Str("service", o.Service)
	}
	if o.Instance != "" {
		lc = lc.Str("instance", o.Instance)
	}
	log.Logger = lc.Logger()
	return log.Logger
}

// InstanceID names this process: INSTANCE_ID, then HOSTNAME, then a random
// id so two local processes never collide on the cross-instance channel.
func InstanceID() string {
	if id := FirstNonEmpty(os.Getenv("INSTANCE_ID"), os.Getenv("HOSTNAME")); id != "" {
		return strings.TrimSpace(id)
	}
	return "local-" + uuid.NewString()[:8]
}

// FirstNonEmpty returns the first non-empty string from a variadic list.
// If all values are empty, it returns "".
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
