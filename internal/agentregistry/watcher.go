package agentregistry

import (
	"context"
	"time"
)

// Watcher drives periodic Reload calls on a Registry. Hot reload is
// polling-based rather than fsnotify-driven; the public surface (start,
// stop, a ChangeEvent stream via Registry.OnChange) is the same one a
// notify-based watcher would expose, so swapping the implementation
// later does not ripple into callers.
type Watcher struct {
	registry *Registry
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWatcher creates a Watcher that reloads registry every interval.
func NewWatcher(registry *Registry, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{registry: registry, interval: interval}
}

// Start begins polling in a background goroutine. Calling Start twice
// without an intervening Stop is a no-op.
func (w *Watcher) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Reload failures are logged by the Registry itself and do
				// not stop the watcher; the next tick tries again.
				_, _ = w.registry.Reload()
			}
		}
	}()
}

// Stop cancels polling and waits for the background goroutine to exit.
func (w *Watcher) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.cancel = nil
}
