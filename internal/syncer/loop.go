package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/quotaguard/quotamux/internal/errors"
)

// Start runs SyncNow every BackgroundInterval until Stop or ctx ends. A zero
// interval leaves synchronization to callers.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return &errors.ErrLifecycle{Component: "syncer", Op: "start", Err: fmt.Errorf("sync loop already running")}
	}
	if o.cfg.BackgroundInterval <= 0 {
		return nil
	}

	o.running = true
	o.stopCh = make(chan struct{})
	o.wg.Add(1)
	go o.loop(ctx, o.stopCh)
	return nil
}

// Stop ends the background loop and waits for it to exit.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	stopCh := o.stopCh
	o.mu.Unlock()

	close(stopCh)
	o.wg.Wait()
	return nil
}

// IsRunning reports whether the background loop is active.
func (o *Orchestrator) IsRunning() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.running
}

func (o *Orchestrator) loop(ctx context.Context, stopCh <-chan struct{}) {
	defer o.wg.Done()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	interval := o.Config().BackgroundInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if next := o.Config().BackgroundInterval; next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (o *Orchestrator) tick(ctx context.Context) {
	if err := o.SyncNow(ctx); err != nil && ctx.Err() == nil {
		o.logger.Warn("background sync failed", "error", err)
	}
}
