package conn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marreiros/chatsync/internal/bus"
)

func TestMonitorDetectsReachableBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindConnChanged, 10)
	defer unsub()

	m := NewMonitor(srv.URL+"/health", 50*time.Millisecond, b, nil)
	m.Start(context.Background())
	defer m.Stop()

	select {
	case evt := <-ch:
		change := evt.Payload.(Change)
		if !change.Connected {
			t.Error("first transition should be to connected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for conn.changed")
	}
	if !m.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
}

func TestMonitorDetectsOutage(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindConnChanged, 10)
	defer unsub()

	m := NewMonitor(srv.URL, 20*time.Millisecond, b, nil)
	m.Start(context.Background())
	defer m.Stop()

	// Wait for connected, flip the server down, wait for disconnected.
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connected")
	}
	healthy.Store(false)

	select {
	case evt := <-ch:
		change := evt.Payload.(Change)
		if change.Connected {
			t.Error("expected transition to disconnected")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for disconnected")
	}
}

func TestMonitorNoEventWithoutTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := bus.New()
	ch, unsub := b.Subscribe(bus.KindConnChanged, 10)
	defer unsub()

	m := NewMonitor(srv.URL, 10*time.Millisecond, b, nil)
	m.Start(context.Background())
	defer m.Stop()

	<-ch // initial transition to connected

	// Stable reachability: repeated probes must not re-publish.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event without transition: %v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOnChangeCallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := bus.New()
	m := NewMonitor(srv.URL, 20*time.Millisecond, b, nil)

	var got atomic.Int32
	unsub := m.OnChange(func(connected bool) {
		if connected {
			got.Add(1)
		}
	})
	defer unsub()

	m.Start(context.Background())
	defer m.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for got.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got.Load() == 0 {
		t.Fatal("OnChange callback never fired")
	}
}
