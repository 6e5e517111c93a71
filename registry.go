package main

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer = 16
	writeWait  = 10 * time.Second
)

// Client is one live viewer connection. Events queue on send and
// writePump drains them onto the socket; a client whose buffer is full
// is treated as dead and dropped by the registry.
type Client struct {
	conn *websocket.Conn
	send chan any
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan any, sendBuffer),
	}
}

// bucket holds the live connections of one party. Membership changes,
// snapshot reads, and mutate-then-broadcast pairs for that party all
// happen under mu, which is what keeps the join boundary free of missed
// or duplicated events.
type bucket struct {
	mu       sync.Mutex
	clients  map[*Client]bool
	released bool
}

// Registry maps party ids to their live connections and fans events out
// to them. Buckets for different parties never block each other; the
// bucket map itself sits behind a single registry mutex.
type Registry struct {
	mu      sync.Mutex
	buckets map[int64]*bucket
}

func newRegistry() *Registry {
	return &Registry{
		buckets: make(map[int64]*bucket),
	}
}

// lockBucket returns the party's bucket with its lock held, creating it
// on first use. The retry loop covers a bucket being released between
// lookup and lock.
func (r *Registry) lockBucket(partyID int64) *bucket {
	for {
		r.mu.Lock()
		b, ok := r.buckets[partyID]
		if !ok {
			b = &bucket{clients: make(map[*Client]bool)}
			r.buckets[partyID] = b
		}
		r.mu.Unlock()

		b.mu.Lock()
		if !b.released {
			return b
		}
		b.mu.Unlock()
	}
}

// releaseLocked drops the bucket map entry once it has no clients, so
// empty buckets never linger. Callers must hold b.mu.
func (r *Registry) releaseLocked(partyID int64, b *bucket) {
	if len(b.clients) > 0 {
		return
	}

	b.released = true

	r.mu.Lock()
	if r.buckets[partyID] == b {
		delete(r.buckets, partyID)
	}
	r.mu.Unlock()
}

// Join registers a connection under a party and queues the message
// returned by snapshot as its first delivery. Snapshot evaluation and
// registration share the party lock with Update, so the snapshot can
// neither miss a mutation broadcast after it nor repeat one broadcast
// before it.
func (r *Registry) Join(partyID int64, c *Client, snapshot func() (any, error)) error {
	b := r.lockBucket(partyID)
	defer b.mu.Unlock()

	msg, err := snapshot()
	if err != nil {
		r.releaseLocked(partyID, b)

		return err
	}

	b.clients[c] = true
	c.send <- msg

	return nil
}

// Leave removes a connection and closes its send channel exactly once,
// regardless of whether a broadcast already evicted it. The bucket is
// dropped when it empties.
func (r *Registry) Leave(partyID int64, c *Client) {
	b := r.lockBucket(partyID)
	defer b.mu.Unlock()

	if b.clients[c] {
		delete(b.clients, c)
		close(c.send)
	}

	r.releaseLocked(partyID, b)
}

// Broadcast delivers event to every connection currently registered for
// the party. Dead peers are evicted in place and never abort delivery
// to the rest; no error surfaces to the caller.
func (r *Registry) Broadcast(partyID int64, event any) {
	b := r.lockBucket(partyID)
	defer b.mu.Unlock()

	b.broadcastLocked(event)

	r.releaseLocked(partyID, b)
}

// Update runs fn, then broadcasts the event it returns, all under the
// party lock. A concurrent Join therefore sees either the state before
// fn plus its event, or the state after fn without it — never both and
// never neither. A failed fn broadcasts nothing.
func (r *Registry) Update(partyID int64, fn func() (any, error)) error {
	b := r.lockBucket(partyID)
	defer b.mu.Unlock()
	defer r.releaseLocked(partyID, b)

	event, err := fn()
	if err != nil {
		return err
	}

	b.broadcastLocked(event)

	return nil
}

// Pong queues a keepalive reply if the client is still registered.
// Routed through the registry so it can never race a concurrent
// eviction's channel close.
func (r *Registry) Pong(partyID int64, c *Client) {
	b := r.lockBucket(partyID)
	defer b.mu.Unlock()
	defer r.releaseLocked(partyID, b)

	if b.clients[c] {
		select {
		case c.send <- pongMessage{Type: "pong"}:
		default:
		}
	}
}

func (b *bucket) broadcastLocked(event any) {
	for client := range b.clients {
		select {
		case client.send <- event:
		default:
			delete(b.clients, client)
			close(client.send)
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}

	// send was closed by the registry; tell the peer before hanging up
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(writeWait))
}

func (c *Client) readPump(r *Registry, partyID int64) {
	defer func() {
		r.Leave(partyID, c)
		_ = c.conn.Close()
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		if string(data) == "ping" {
			r.Pong(partyID, c)
		}
	}
}
