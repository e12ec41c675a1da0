package alert

import (
	"context"
	"sync"
)

// Dispatcher fans events out to matching webhooks without blocking the
// caller.
type Dispatcher struct {
	configs []Config
	onError func(error)
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDispatcher returns nil when configs is empty; a nil Dispatcher is
// safe to use and does nothing.
func NewDispatcher(configs []Config, onError func(error)) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{configs: configs, onError: onError, ctx: ctx, cancel: cancel}
}

// Dispatch sends event to every webhook whose Events list matches.
func (d *Dispatcher) Dispatch(event Event) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event.Type) {
			continue
		}
		d.wg.Add(1)
		go func(cfg Config) {
			defer d.wg.Done()
			if err := Send(d.ctx, cfg, event); err != nil && d.onError != nil {
				d.onError(err)
			}
		}(cfg)
	}
}

// Close waits for in-flight sends up to ctx, then abandons them.
func (d *Dispatcher) Close(ctx context.Context) {
	if d == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	d.cancel()
}

func matches(events []string, typ string) bool {
	for _, e := range events {
		if e == typ || e == "*" {
			return true
		}
	}
	return false
}
