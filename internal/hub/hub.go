// Package hub fans out live balance snapshots to subscribed clients.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Erdfggdggf/Swiftwallet-STK-Push/internal/models"
)

// ErrClosed is returned by Subscribe after Shutdown.
var ErrClosed = errors.New("hub is shut down")

// SnapshotSource recomputes the current snapshot for an identity. Broadcasts
// never reuse a cached snapshot; every push is a fresh read.
type SnapshotSource interface {
	Snapshot(ctx context.Context, identity string) (*models.Snapshot, error)
}

// Conn is one live subscriber connection. Events are delivered on a buffered
// channel; a connection that cannot accept an event is dead and is removed.
type Conn struct {
	identity string
	events   chan models.StreamEvent
	done     chan struct{}
	once     sync.Once
}

// Events is the stream of snapshot and heartbeat events for this connection.
// The channel is never closed; watch Done for teardown.
func (c *Conn) Events() <-chan models.StreamEvent { return c.events }

// Done is closed when the connection has been unsubscribed.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) stop() {
	c.once.Do(func() { close(c.done) })
}

// tryPush delivers without blocking. A full buffer means the client has
// stopped draining; the caller treats that as a dead connection.
func (c *Conn) tryPush(ev models.StreamEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// group is the connection set for one identity. Each identity has its own
// lock so subscribers of unrelated identities never contend.
type group struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Hub owns every live subscriber connection for its lifetime: connections are
// created on Subscribe and destroyed on Unsubscribe, broadcast push failure,
// or keep-alive failure, with no record kept afterwards.
type Hub struct {
	source    SnapshotSource
	heartbeat time.Duration
	logger    *slog.Logger

	mu     sync.RWMutex
	groups map[string]*group
	closed bool
}

const eventBuffer = 16

func New(source SnapshotSource, heartbeat time.Duration, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		source:    source,
		heartbeat: heartbeat,
		logger:    logger.With("component", "hub"),
		groups:    make(map[string]*group),
	}
}

// Subscribe registers a new live connection for an identity and immediately
// queues one full current snapshot, so a late subscriber is never shown a
// blank state while catching up. The snapshot is read and queued under the
// group lock, like a broadcast, so the events on any one connection never
// run backwards in time. The connection's keep-alive timer starts here and
// is canceled on the same path that removes the connection.
func (h *Hub) Subscribe(ctx context.Context, identity string) (*Conn, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	g, ok := h.groups[identity]
	if !ok {
		g = &group{conns: make(map[*Conn]struct{})}
		h.groups[identity] = g
	}
	g.mu.Lock()
	h.mu.Unlock()

	snap, err := h.source.Snapshot(ctx, identity)
	if err != nil {
		g.mu.Unlock()
		return nil, fmt.Errorf("initial snapshot failed: %w", err)
	}

	conn := &Conn{
		identity: identity,
		events:   make(chan models.StreamEvent, eventBuffer),
		done:     make(chan struct{}),
	}
	g.conns[conn] = struct{}{}
	// Fresh buffered channel always accepts the first event.
	conn.tryPush(models.StreamEvent{Type: models.EventSnapshot, Snapshot: snap})
	g.mu.Unlock()

	go h.keepAlive(conn)
	return conn, nil
}

// keepAlive emits an application-level heartbeat so idle connections are not
// reaped by intermediaries. A heartbeat that cannot be queued means the
// client is gone and the connection is unsubscribed.
func (h *Hub) keepAlive(conn *Conn) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if !conn.tryPush(models.StreamEvent{Type: models.EventHeartbeat}) {
				h.Unsubscribe(conn.identity, conn)
				return
			}
		}
	}
}

// Unsubscribe removes a connection. It is idempotent; removing the last
// connection for an identity releases that identity's bookkeeping.
func (h *Hub) Unsubscribe(identity string, conn *Conn) {
	h.mu.RLock()
	g, ok := h.groups[identity]
	h.mu.RUnlock()
	if ok {
		g.mu.Lock()
		delete(g.conns, conn)
		empty := len(g.conns) == 0
		g.mu.Unlock()
		if empty {
			h.mu.Lock()
			// Re-check: a new subscriber may have arrived in between.
			g.mu.Lock()
			if len(g.conns) == 0 && h.groups[identity] == g {
				delete(h.groups, identity)
			}
			g.mu.Unlock()
			h.mu.Unlock()
		}
	}
	conn.stop()
}

// Broadcast recomputes a fresh snapshot for the identity and pushes it to
// every live connection. Connections whose push fails are dropped on the
// spot; the client is expected to reconnect.
func (h *Hub) Broadcast(ctx context.Context, identity, status, reference string) {
	h.mu.RLock()
	g, ok := h.groups[identity]
	h.mu.RUnlock()
	if !ok {
		return
	}

	// Snapshot under the group lock: enqueue order matches read order, so
	// a subscriber racing this broadcast cannot end up holding the newer
	// snapshot behind an older one.
	g.mu.Lock()
	snap, err := h.source.Snapshot(ctx, identity)
	if err != nil {
		g.mu.Unlock()
		h.logger.Error("broadcast snapshot failed", "identity", identity, "error", err)
		return
	}
	ev := models.StreamEvent{
		Type:      models.EventSnapshot,
		Status:    status,
		Reference: reference,
		Snapshot:  snap,
	}

	var dead []*Conn
	for conn := range g.conns {
		if !conn.tryPush(ev) {
			dead = append(dead, conn)
		}
	}
	g.mu.Unlock()

	for _, conn := range dead {
		h.Unsubscribe(identity, conn)
	}
}

// Subscribers reports the number of live connections for an identity.
func (h *Hub) Subscribers(identity string) int {
	h.mu.RLock()
	g, ok := h.groups[identity]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Shutdown tears down every live connection and rejects new subscribers.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	groups := h.groups
	h.groups = make(map[string]*group)
	h.mu.Unlock()

	for _, g := range groups {
		g.mu.Lock()
		for conn := range g.conns {
			conn.stop()
		}
		g.conns = make(map[*Conn]struct{})
		g.mu.Unlock()
	}
}
