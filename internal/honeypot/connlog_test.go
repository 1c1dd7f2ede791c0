package honeypot

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestConnLogger_Unlimited(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	c := newConnLogger(logger, 0, 0, nil)

	for i := 0; i < 50; i++ {
		c.connected(logger, i+1, "unchanged")
	}
	assert.Equal(t, 50, strings.Count(buf.String(), "client_connected"))
}

func TestConnLogger_SuppressesAndSummarizes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	drops := 0
	c := newConnLogger(logger, 1, 1, func() { drops++ })
	c.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	c.connected(logger, 1, "unchanged")
	c.connected(logger, 2, "unchanged")
	c.connected(logger, 3, "unchanged")

	assert.Equal(t, 1, strings.Count(buf.String(), "client_connected"))
	assert.Equal(t, 2, drops)
	assert.NotContains(t, buf.String(), "connections_suppressed")

	// Once lines are admitted again the drop count is reported first
	c.limiter = nil
	c.connected(logger, 4, "promoted")

	out := buf.String()
	assert.Contains(t, out, "connections_suppressed suppressed=2")
	assert.Less(t, strings.Index(out, "connections_suppressed"), strings.LastIndex(out, "client_connected"))

	c.connected(logger, 5, "refreshed")
	assert.Equal(t, 1, strings.Count(buf.String(), "connections_suppressed"))
}

func TestConnLogger_SuppressedLinesAtDebug(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := newConnLogger(logger, 1, 1, nil)
	c.limiter = rate.NewLimiter(rate.Every(time.Hour), 1)

	c.connected(logger, 1, "unchanged")
	c.connected(logger, 2, "unchanged")

	assert.Contains(t, buf.String(), "level=INFO msg=client_connected")
	assert.Contains(t, buf.String(), "level=DEBUG msg=client_connected")
}
