package honeypot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"net"
	"time"
)

// writeTimeout bounds the final write to a client.
const writeTimeout = 5 * time.Second

// Responder answers a connection with a short generic message after a random
// delay, then closes it.
type Responder struct {
	minDelay time.Duration
	maxDelay time.Duration
	message  string

	now    func() time.Time
	jitter func(n int64) int64
}

// NewResponder creates a responder waiting a uniformly distributed delay in
// [minDelay, maxDelay] before sending message.
func NewResponder(minDelay, maxDelay time.Duration, message string) *Responder {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Responder{
		minDelay: minDelay,
		maxDelay: maxDelay,
		message:  message,
		now:      time.Now,
		jitter:   rand.Int64N,
	}
}

// Delay returns a new random delay.
func (r *Responder) Delay() time.Duration {
	span := int64(r.maxDelay - r.minDelay)
	if span <= 0 {
		return r.minDelay
	}
	return r.minDelay + time.Duration(r.jitter(span+1))
}

// Payload returns the text sent to the client: the message followed by the
// current Unix time in milliseconds modulo 1000.
func (r *Responder) Payload() string {
	return fmt.Sprintf("%s %d", r.message, r.now().UnixMilli()%1000)
}

// Respond waits for a random delay, writes the payload and closes conn.
// Write errors are ignored: the client may be gone already. When ctx is
// done first, the connection is closed without an answer.
func (r *Responder) Respond(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	timer := time.NewTimer(r.Delay())
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, _ = conn.Write([]byte(r.Payload()))
}
