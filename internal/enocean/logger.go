package enocean

import "sync"

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// logHolder gives a component an optional, swappable logger.
type logHolder struct {
	logger   Logger
	loggerMu sync.RWMutex
}

// SetLogger sets the logger for this component.
func (h *logHolder) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

func (h *logHolder) current() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

func (h *logHolder) logDebug(msg string, keysAndValues ...any) {
	if l := h.current(); l != nil {
		l.Debug(msg, keysAndValues...)
	}
}

func (h *logHolder) logInfo(msg string, keysAndValues ...any) {
	if l := h.current(); l != nil {
		l.Info(msg, keysAndValues...)
	}
}

func (h *logHolder) logWarn(msg string, keysAndValues ...any) {
	if l := h.current(); l != nil {
		l.Warn(msg, keysAndValues...)
	}
}

func (h *logHolder) logError(msg string, err error, keysAndValues ...any) {
	if l := h.current(); l != nil {
		l.Error(msg, append([]any{"error", err}, keysAndValues...)...)
	}
}
