// Package shutdown coordinates graceful termination of the honeypot.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/inercia/honeypot/internal/logging"
)

// Func is a function that performs cleanup during shutdown.
// It receives a reason string describing why shutdown was triggered.
type Func func(reason string)

// Manager runs cleanup functions exactly once, on a signal or an explicit
// call to Shutdown. Its context is cancelled as the first step of shutdown,
// so long running work started with it stops before cleanups run.
//
// It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	once     sync.Once
	done     chan struct{}
	reason   string
	cleanups []Func

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
	signals []os.Signal
}

// NewManager creates a shutdown manager whose context derives from parent.
// It does not handle signals until Start is called.
func NewManager(parent context.Context) *Manager {
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Context returns the context cancelled when shutdown begins.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// AddCleanup adds a cleanup function to be called during shutdown.
// Cleanup functions are called in the order they were added and must not
// call Shutdown themselves.
func (m *Manager) AddCleanup(fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups = append(m.cleanups, fn)
}

// Start begins listening for SIGINT and SIGTERM. The first signal, or the
// end of the parent context, triggers Shutdown. The signal handler is
// released once shutdown completes.
func (m *Manager) Start() {
	logger := logging.Shutdown()
	logger.Debug("shutdown_manager_started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, m.signals...)

	m.mu.Lock()
	m.sigChan = sigChan
	m.mu.Unlock()

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("signal_received",
				"signal", sig.String(),
			)
			m.Shutdown("signal:" + sig.String())
		case <-m.ctx.Done():
			m.Shutdown("context")
		}
	}()
}

// Shutdown triggers graceful shutdown with the given reason.
// It is safe to call multiple times; only the first call runs the cleanups.
// It blocks until all cleanups are complete.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() {
		m.doShutdown(reason)
	})
	<-m.done
}

func (m *Manager) doShutdown(reason string) {
	logger := logging.Shutdown()
	logger.Info("shutdown_started",
		"reason", reason,
	)

	m.mu.Lock()
	m.reason = reason
	cleanups := make([]Func, len(m.cleanups))
	copy(cleanups, m.cleanups)
	sigChan := m.sigChan
	m.mu.Unlock()

	m.cancel()

	for i, fn := range cleanups {
		logger.Debug("running_cleanup",
			"index", i,
			"total", len(cleanups),
		)
		fn(reason)
	}

	if sigChan != nil {
		signal.Stop(sigChan)
	}

	logger.Info("shutdown_complete",
		"reason", reason,
	)
	close(m.done)
}

// Done returns a channel that is closed when shutdown is complete.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Reason returns the reason for shutdown, or empty string if not yet shut down.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
