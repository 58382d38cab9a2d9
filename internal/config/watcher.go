package config

import (
	"errors"
	"sync"
	"time"
)

// DefaultPollInterval is how often the watcher re-checks the backing files.
const DefaultPollInterval = 2 * time.Second

// ErrShutdownTimeout is returned when the watcher does not stop within the
// caller's deadline.
var ErrShutdownTimeout = errors.New("config: watcher shutdown timed out")

// watcher is the background hot-reload loop. It polls at a fixed interval
// and drives Store.Reload; it never holds the store lock itself, so a slow
// subscriber callback cannot stall it permanently out of shutdown.
type watcher struct {
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// StartWatcher begins hot-reload polling. Calling it again while running
// is a no-op.
func (s *Store) StartWatcher(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	s.mu.Lock()
	if s.watcher != nil {
		s.mu.Unlock()
		return
	}
	w := &watcher{
		interval: interval,
		done:     make(chan struct{}),
	}
	s.watcher = w
	s.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				s.Reload()
			case <-w.done:
				return
			}
		}
	}()

	s.logger.Info("config watcher started", "interval", interval)
}

// Watching reports whether the hot-reload watcher is running.
func (s *Store) Watching() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watcher != nil
}

// Shutdown stops the watcher and joins it, waiting at most timeout.
// Safe to call multiple times and from any goroutine; a no-op when
// hot-reload was never started.
func (s *Store) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if w == nil {
		return nil
	}

	close(w.done)

	joined := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(joined)
	}()

	select {
	case <-joined:
		s.logger.Info("config watcher stopped")
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}
