package logging

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limited forwards to a Logger no more than once per interval. Messages
// arriving faster are dropped and counted.
type Limited struct {
	logger  *Logger
	limit   *rate.Limiter
	dropped atomic.Uint64
}

// NewLimited returns a Limited logger with a burst of one.
func NewLimited(logger *Logger, every time.Duration) *Limited {
	if logger == nil {
		logger = Default()
	}
	return &Limited{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

func (rl *Limited) allow() bool {
	if rl.limit.Allow() {
		return true
	}
	rl.dropped.Add(1)
	return false
}

func (rl *Limited) Warn(msg string, args ...any) {
	if rl.allow() {
		rl.logger.Warn(msg, append(args, "suppressed", rl.dropped.Load())...)
	}
}

func (rl *Limited) Error(msg string, args ...any) {
	if rl.allow() {
		rl.logger.Error(msg, append(args, "suppressed", rl.dropped.Load())...)
	}
}

// Dropped reports how many messages were suppressed so far.
func (rl *Limited) Dropped() uint64 {
	return rl.dropped.Load()
}
