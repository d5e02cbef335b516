package server

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	logger atomic.Pointer[zap.Logger]
	nop    = zap.NewNop()
)

// Logger returns the server package's logger instance.
// It uses a no-op logger by default.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return nop
}

// SetLogger configures the server package's logger. It is safe to call at
// any time; the logger is picked up when servers are created. A nil logger
// restores the no-op default.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}
