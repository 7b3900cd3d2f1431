package hub

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ReceiveStatus is the outcome of a single client read. Timeouts are an
// expected condition (the caller synthesizes keep-alive packets), not an
// error, so they are modeled as a status instead of exception-style branching.
type ReceiveStatus int

const (
	Received ReceiveStatus = iota // A chunk was delivered
	TimedOut                      // No chunk within the timeout; stream may still be alive
	Closed                        // The hub ended this client's stream
)

// Client is one attached consumer: a bounded queue the producer publishes
// into and the HTTP handler reads from. Each client is paced independently;
// a saturated queue drops chunks for that client only.
type Client struct {
	ID    string
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// Receive waits up to timeout for the next chunk. The returned status tells
// the caller whether to write the chunk, synthesize a keep-alive, or end.
func (c *Client) Receive(timeout time.Duration) ([]byte, ReceiveStatus) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-c.queue:
		if !ok {
			return nil, Closed
		}
		return chunk, Received
	case <-c.done:
		// Drain anything already queued before reporting closed
		select {
		case chunk, ok := <-c.queue:
			if ok {
				return chunk, Received
			}
		default:
		}
		return nil, Closed
	case <-timer.C:
		return nil, TimedOut
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// Hub fans one producer's chunks out to N independently-paced clients.
// The attached-client set is mutated only under mu; Publish iterates a
// snapshot so the lock is never held during enqueue.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	ended   bool

	queueSize int
	nextID    atomic.Int64
	dropped   atomic.Int64
}

// New creates a Hub whose clients get bounded queues of queueSize chunks.
func New(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Hub{
		clients:   make(map[string]*Client),
		queueSize: queueSize,
	}
}

// Attach registers a new client and returns its handle. A client attached
// after EndAll is immediately closed. Late joiners receive only chunks
// published after attach; there is no replay.
func (h *Hub) Attach() *Client {
	client := &Client{
		ID:    fmt.Sprintf("client-%d-%d", h.nextID.Add(1), time.Now().UnixNano()),
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.ended {
		h.mu.Unlock()
		client.close()
		return client
	}
	h.clients[client.ID] = client
	h.mu.Unlock()

	return client
}

// Detach removes a client and closes its stream. Safe to call repeatedly.
func (h *Hub) Detach(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		client.close()
	}
}

// Publish enqueues chunk to every attached client without ever blocking:
// a full queue drops the chunk for that client only. The caller must not
// reuse chunk's backing array after publishing. Returns the number of
// clients the chunk was delivered to.
func (h *Hub) Publish(chunk []byte) int {
	h.mu.Lock()
	snapshot := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		snapshot = append(snapshot, client)
	}
	h.mu.Unlock()

	delivered := 0
	for _, client := range snapshot {
		select {
		case <-client.done:
		case client.queue <- chunk:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// EndAll signals end-of-stream to every attached client and clears the
// attached set. The hub refuses new attachments afterwards until Reset.
func (h *Hub) EndAll() {
	h.mu.Lock()
	h.ended = true
	snapshot := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		snapshot = append(snapshot, client)
	}
	h.clients = make(map[string]*Client)
	h.mu.Unlock()

	// Queues are left open: a concurrent Publish holding an older snapshot
	// may still attempt an enqueue, and the done channel is what consumers
	// select on for termination.
	for _, client := range snapshot {
		client.close()
	}
}

// Reset reopens a hub after EndAll so a restarted producer can serve new
// clients through the same hub instance.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.ended = false
	h.mu.Unlock()
}

// ClientCount returns the number of currently attached clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Dropped returns the total number of per-client chunk drops since creation.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
