package honeypot

import (
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

// connLogger writes one line per accepted connection, rate limited so a
// scan across thousands of ports does not flood the log. Lines over the
// limit are demoted to debug and summarized as soon as the limiter admits
// again.
type connLogger struct {
	mu         sync.Mutex
	limiter    *rate.Limiter
	suppressed int
	logger     *slog.Logger
	onDrop     func()
}

// newConnLogger creates a connection logger. A perSecond of zero or less
// disables the limit.
func newConnLogger(logger *slog.Logger, perSecond float64, burst int, onDrop func()) *connLogger {
	c := &connLogger{
		logger: logger,
		onDrop: onDrop,
	}
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return c
}

// connected logs an accepted connection. count is the client's attempt
// count after this connection and outcome the whitelist evaluation result.
func (c *connLogger) connected(connLog *slog.Logger, count int, outcome string) {
	c.mu.Lock()
	allowed := c.limiter == nil || c.limiter.Allow()
	suppressed := 0
	if allowed {
		suppressed = c.suppressed
		c.suppressed = 0
	} else {
		c.suppressed++
	}
	c.mu.Unlock()

	if !allowed {
		if c.onDrop != nil {
			c.onDrop()
		}
		connLog.Debug("client_connected",
			"count", count,
			"whitelist", outcome,
		)
		return
	}

	if suppressed > 0 {
		c.logger.Info("connections_suppressed",
			"suppressed", suppressed,
		)
	}
	connLog.Info("client_connected",
		"count", count,
		"whitelist", outcome,
	)
}
