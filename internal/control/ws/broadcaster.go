// Package ws provides the live-view half of the control surface (C7): an
// in-process WebSocket broadcaster that mirrors every rendered trace line
// to connected browser clients, plus the hand-rolled RFC 6455 upgrade
// handler that accepts those connections.
//
// Design notes
//
//   - Each client has a dedicated buffered channel of line frames. A
//     non-blocking send means a slow or disconnected client can never apply
//     back-pressure to the render loop writing lines into the broadcaster.
//   - Clients are tracked in a sync.Map keyed by client ID to allow
//     concurrent reads without a global lock on the hot broadcast path.
package ws

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// Client represents a single connected WebSocket viewer. It is created by
// Broadcaster.Register and valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64 // incremented when the send buffer is full
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel of rendered-line frames. It is closed
// when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans rendered trace lines out to every connected WebSocket
// viewer. It is safe for concurrent use and never blocks the caller of
// Broadcast, regardless of how slow or numerous the connected clients are.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; 0 uses a default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with the given id and stores it in the
// broadcaster. The caller must call Unregister(id) on disconnect.
func (b *Broadcaster) Register(id string) *Client {
	c := &Client{id: id, send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes the client with id and closes its Send channel so the
// associated write goroutine exits. Unregistering an unknown id is a no-op.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered viewers.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// BroadcastLine delivers one rendered trace line to every registered
// client using a non-blocking send. A client whose buffer is full has the
// line dropped and its Dropped counter incremented rather than stalling the
// renderer.
func (b *Broadcaster) BroadcastLine(line string) {
	if b.closed.Load() {
		return
	}
	raw := []byte(line)

	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			if b.logger != nil {
				b.logger.Warn("ws broadcaster: client buffer full, dropping line",
					slog.String("client_id", c.id))
			}
		}
		return true
	})
}

// Close unregisters and closes every connected client's channel. After
// Close, BroadcastLine is a no-op and Register returns an already-closed
// client.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}
