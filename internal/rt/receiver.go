// Package rt maintains the persistent real-time channel to the backend and
// turns its frames into bus events.
package rt

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/marreiros/chatsync/internal/bus"
	"github.com/marreiros/chatsync/internal/retry"
	"go.uber.org/zap"
)

const reconnectKey = "rt.reconnect"

// InboundMessage is a message pushed over the real-time channel. LocalID is
// set when the echo carries the sender's idempotency key.
type InboundMessage struct {
	ServerID      string `json:"server_id"`
	LocalID       string `json:"local_id,omitempty"`
	ChatID        string `json:"chat_id"`
	SenderID      string `json:"sender_id"`
	Type          string `json:"type"`
	Content       string `json:"content,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	Status        string `json:"status"`
	CreatedAt     int64  `json:"created_at"`
}

// StatusUpdate is a delivery/read status change for a stored message.
type StatusUpdate struct {
	ServerID string `json:"server_id"`
	Status   string `json:"status"`
}

type frame struct {
	Kind    string          `json:"kind"` // "message" or "status"
	Message *InboundMessage `json:"message,omitempty"`
	Status  *StatusUpdate   `json:"status,omitempty"`
}

// Receiver dials the websocket endpoint, reads frames and publishes them on
// the bus. On connection loss it reconnects through the retry ladder, and
// resets the ladder on every successful connect.
type Receiver struct {
	url       string
	bus       *bus.Bus
	machine   *Machine
	scheduler *retry.Scheduler
	logger    *zap.Logger
	dialer    *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	token   string
	stopped bool
}

// NewReceiver creates a receiver for the given websocket URL.
func NewReceiver(url string, b *bus.Bus, machine *Machine, scheduler *retry.Scheduler, logger *zap.Logger) *Receiver {
	return &Receiver{
		url:       url,
		bus:       b,
		machine:   machine,
		scheduler: scheduler,
		logger:    logger,
		dialer:    websocket.DefaultDialer,
	}
}

// State returns the current connection state.
func (r *Receiver) State() ConnectionState {
	return r.machine.Current()
}

// Connect dials the channel with the given session token. On failure a
// reconnect attempt is scheduled; Connect itself does not retry inline.
func (r *Receiver) Connect(ctx context.Context, sessionToken string) error {
	r.mu.Lock()
	r.token = sessionToken
	r.stopped = false
	r.mu.Unlock()
	return r.dial(ctx)
}

// Disconnect detaches the channel and stops reconnecting.
func (r *Receiver) Disconnect() {
	r.mu.Lock()
	r.stopped = true
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	r.scheduler.Cancel(reconnectKey)
	if conn != nil {
		_ = conn.Close()
	}
	if r.machine.Current() != Disconnected {
		_ = r.machine.Transition(Disconnected)
	}
}

func (r *Receiver) dial(ctx context.Context) error {
	if r.machine.Current() == Disconnected {
		_ = r.machine.Transition(Connecting)
	}

	r.mu.Lock()
	token := r.token
	r.mu.Unlock()

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	conn, resp, err := r.dialer.DialContext(ctx, r.url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		r.logger.Warn("real-time dial failed", zap.Error(err))
		_ = r.machine.Transition(Disconnected)
		r.scheduleReconnect(ctx)
		return err
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	r.conn = conn
	r.mu.Unlock()

	_ = r.machine.Transition(Connected)
	r.scheduler.Reset(reconnectKey)
	r.logger.Info("real-time channel connected")

	go r.readLoop(ctx, conn)
	return nil
}

func (r *Receiver) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			r.mu.Lock()
			stopped := r.stopped
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()

			if stopped {
				return
			}
			r.logger.Warn("real-time channel lost", zap.Error(err))
			if r.machine.Current() != Disconnected {
				_ = r.machine.Transition(Disconnected)
			}
			r.scheduleReconnect(ctx)
			return
		}
		r.handleFrame(f)
	}
}

func (r *Receiver) handleFrame(f frame) {
	switch f.Kind {
	case "message":
		if f.Message == nil {
			return
		}
		r.bus.Emit(bus.KindRTMessage, *f.Message)
	case "status":
		if f.Status == nil {
			return
		}
		r.bus.Emit(bus.KindRTStatus, *f.Status)
	default:
		r.logger.Warn("unknown real-time frame", zap.String("kind", f.Kind))
	}
}

func (r *Receiver) scheduleReconnect(ctx context.Context) {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped || ctx.Err() != nil {
		return
	}
	r.scheduler.Schedule(reconnectKey, func() {
		_ = r.dial(ctx)
	})
}
