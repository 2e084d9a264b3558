// Package conn observes backend reachability. It never retries anything
// itself: it only reports transitions, and the sync engine reacts to them.
package conn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/marreiros/chatsync/internal/bus"
	"go.uber.org/zap"
)

// Change is the payload for conn.changed events.
type Change struct {
	Connected bool
}

// Monitor polls the backend health endpoint and publishes reachability
// transitions on the bus.
type Monitor struct {
	healthURL string
	interval  time.Duration
	client    *http.Client
	bus       *bus.Bus
	logger    *zap.Logger

	mu        sync.RWMutex
	connected bool

	cancel context.CancelFunc
}

// NewMonitor creates a monitor probing healthURL every interval.
func NewMonitor(healthURL string, interval time.Duration, b *bus.Bus, logger *zap.Logger) *Monitor {
	return &Monitor{
		healthURL: healthURL,
		interval:  interval,
		client:    &http.Client{Timeout: 3 * time.Second},
		bus:       b,
		logger:    logger,
	}
}

// IsConnected returns the last observed reachability.
func (m *Monitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// OnChange subscribes cb to reachability transitions. Returns an unsubscribe
// function.
func (m *Monitor) OnChange(cb func(connected bool)) func() {
	ch, unsub := m.bus.Subscribe(bus.KindConnChanged, 16)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case evt := <-ch:
				if change, ok := evt.Payload.(Change); ok {
					cb(change.Connected)
				}
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		unsub()
	}
}

// Start begins probing until Stop is called. The first probe runs immediately
// so the engine does not wait one interval to learn it is online.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.loop(ctx)
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)
	for {
		select {
		case <-ticker.C:
			m.probe(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.healthURL, nil)
	if err != nil {
		m.setConnected(false)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		m.setConnected(false)
		return
	}
	_ = resp.Body.Close()
	m.setConnected(resp.StatusCode < 500)
}

func (m *Monitor) setConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	m.mu.Unlock()

	if !changed {
		return
	}
	if m.logger != nil {
		m.logger.Info("connectivity changed", zap.Bool("connected", connected))
	}
	m.bus.Emit(bus.KindConnChanged, Change{Connected: connected})
}
