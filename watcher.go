package flashagent

import (
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Severity grades a watcher message.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// Watcher receives agent status. Progress callbacks are keyed by device
// identity and arrive on the job's goroutine, so implementations must be
// safe for concurrent use and must not call back into the Agent.
type Watcher interface {
	OnStarted()
	OnStopped()
	OnMessage(text string, severity Severity)
	OnStartProgress(key string)
	OnStopProgress(key string, success bool, message string)
	OnUpdateProgress(key string, current, max int64)
}

// NopWatcher ignores everything. Embed it to implement part of Watcher.
type NopWatcher struct{}

func (NopWatcher) OnStarted()                                              {}
func (NopWatcher) OnStopped()                                              {}
func (NopWatcher) OnMessage(text string, severity Severity)                {}
func (NopWatcher) OnStartProgress(key string)                              {}
func (NopWatcher) OnStopProgress(key string, success bool, message string) {}
func (NopWatcher) OnUpdateProgress(key string, current, max int64)         {}

// LogWatcher renders agent status as structured log events. Progress is
// logged only when the whole percentage changes.
type LogWatcher struct {
	logger zerolog.Logger

	mu      sync.Mutex
	percent map[string]int64
}

// NewLogWatcher writes through the global zerolog logger.
func NewLogWatcher() *LogWatcher {
	return NewLogWatcherWithLogger(log.Logger)
}

func NewLogWatcherWithLogger(logger zerolog.Logger) *LogWatcher {
	return &LogWatcher{logger: logger, percent: make(map[string]int64)}
}

func (w *LogWatcher) OnStarted() {
	w.logger.Info().Msg("flashagent started")
}

func (w *LogWatcher) OnStopped() {
	w.logger.Info().Msg("flashagent stopped")
}

func (w *LogWatcher) OnMessage(text string, severity Severity) {
	var event *zerolog.Event
	switch severity {
	case SeverityWarning:
		event = w.logger.Warn()
	case SeverityError:
		event = w.logger.Error()
	default:
		event = w.logger.Info()
	}
	event.Msg(text)
}

func (w *LogWatcher) OnStartProgress(key string) {
	w.mu.Lock()
	w.percent[key] = -1
	w.mu.Unlock()
	w.logger.Info().Str("port", key).Msg("download started")
}

func (w *LogWatcher) OnStopProgress(key string, success bool, message string) {
	w.mu.Lock()
	_, known := w.percent[key]
	delete(w.percent, key)
	w.mu.Unlock()

	if !known {
		w.logger.Warn().Str("port", key).Str("message", message).Msg("invalid device")
		return
	}
	if success {
		w.logger.Info().Str("port", key).Str("trace", message).Msg("download success")
		return
	}
	w.logger.Error().Str("port", key).Str("reason", message).Msg("download error")
}

func (w *LogWatcher) OnUpdateProgress(key string, current, max int64) {
	if max <= 0 {
		return
	}
	pct := current * 100 / max

	w.mu.Lock()
	last, known := w.percent[key]
	if known && pct != last {
		w.percent[key] = pct
	}
	w.mu.Unlock()

	if !known || pct == last {
		return
	}
	w.logger.Info().Str("port", key).Int64("percent", pct).Msg("download progress")
}
