package manager

import (
	"context"
	"fmt"
	"time"
)

// Start launches the background driver: one pass per tick period, each pass
// under the global lock. The loop ends on Stop or when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopCh != nil {
		select {
		case <-m.doneCh:
			// previous loop exited on its own (context cancel)
		default:
			return fmt.Errorf("driver already running")
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	m.stopCh, m.doneCh = stop, done

	go func() {
		defer close(done)
		t := time.NewTicker(m.cfg.TickPeriod)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-t.C:
				m.Tick(ctx)
			}
		}
	}()

	m.log.Info("driver started")
	return nil
}

// Stop halts the driver and waits for the pass in flight to finish. Calling
// Stop on a stopped driver is a no-op.
func (m *Manager) Stop() {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.stopCh == nil {
		return
	}
	select {
	case <-m.doneCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
	m.stopCh, m.doneCh = nil, nil
	m.log.Info("driver stopped")
}

// IsRunning reports whether the driver loop is live.
func (m *Manager) IsRunning() bool {
	m.lifeMu.Lock()
	defer m.lifeMu.Unlock()

	if m.doneCh == nil {
		return false
	}
	select {
	case <-m.doneCh:
		return false
	default:
		return true
	}
}
