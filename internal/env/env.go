package env

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Keys understood by flashagent.
const (
	ToolDir      = "FLASHAGENT_TOOL_DIR"
	PollInterval = "FLASHAGENT_POLL_INTERVAL"
	MetricsAddr  = "FLASHAGENT_METRICS_ADDR"
	LogFile      = "FLASHAGENT_LOG_FILE"
	LogLevel     = "FLASHAGENT_LOG_LEVEL"
)

func lookup(key string) (string, bool) {
	_ = Ensure()
	val := strings.TrimSpace(os.Getenv(key))
	return val, val != ""
}

func parsed[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := lookup(key)
	if !ok {
		return fallback
	}
	val, err := parse(raw)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("value", raw).Msg("invalid env value, use fallback")
		return fallback
	}
	return val
}

// String returns the trimmed value of key, or fallback when unset or blank.
func String(key, fallback string) string {
	if val, ok := lookup(key); ok {
		return val
	}
	return fallback
}

// Duration parses key with time.ParseDuration; invalid values fall back.
func Duration(key string, fallback time.Duration) time.Duration {
	return parsed(key, fallback, time.ParseDuration)
}
