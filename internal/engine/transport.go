package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
)

// ErrNoEngine means no engine worker is currently connected
var ErrNoEngine = errors.New("no rendering engine connected")

// Provider mounts engine instances. Mounting is expensive (each instance is
// a full sandboxed document-editing environment); the returned Conn must be
// closed to release it.
type Provider interface {
	Mount(ctx context.Context, namespace string) (Conn, error)
}

// Transport is the message framing/dispatch layer between the backend and
// the engine worker processes. Workers hold a persistent websocket to the
// backend; commands for many namespaces multiplex over it, and inbound
// events demultiplex back to the owning session through the Registry.
type Transport struct {
	registry *Registry

	mu      sync.RWMutex
	workers map[*engineWorker]bool
}

type engineWorker struct {
	conn   *websocket.Conn
	send   chan []byte
	mounts int
}

// NewTransport creates a transport routing into the given registry
func NewTransport(registry *Registry) *Transport {
	return &Transport{
		registry: registry,
		workers:  make(map[*engineWorker]bool),
	}
}

// Registry returns the session registry this transport dispatches into
func (t *Transport) Registry() *Registry { return t.registry }

// WorkerCount reports connected engine workers (health endpoint)
func (t *Transport) WorkerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.workers)
}

// Mount binds a namespace to the least-loaded connected worker
func (t *Transport) Mount(ctx context.Context, namespace string) (Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var best *engineWorker
	for w := range t.workers {
		if best == nil || w.mounts < best.mounts {
			best = w
		}
	}
	if best == nil {
		return nil, ErrNoEngine
	}
	best.mounts++
	return &workerConn{transport: t, worker: best, namespace: namespace}, nil
}

// HandleConnection runs one engine worker's websocket until it drops.
// Call from the Fiber websocket handler.
func (t *Transport) HandleConnection(c *websocket.Conn) {
	w := &engineWorker{
		conn: c,
		send: make(chan []byte, 256),
	}

	t.mu.Lock()
	t.workers[w] = true
	t.mu.Unlock()
	log.Printf("Engine worker connected (%d total)", t.WorkerCount())

	defer func() {
		t.mu.Lock()
		delete(t.workers, w)
		close(w.send)
		t.mu.Unlock()
		log.Printf("Engine worker disconnected (%d total)", t.WorkerCount())
	}()

	// Writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-w.send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				// Send ping for keep-alive
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop: every inbound frame is an event envelope
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Engine worker socket error: %v", err)
			}
			break
		}

		var ev Event
		if err := json.Unmarshal(message, &ev); err != nil {
			log.Printf("Dropping malformed engine event: %v", err)
			continue
		}
		t.registry.Dispatch(&ev)
	}
}

// workerConn is one namespace's outbound channel over a shared worker socket
type workerConn struct {
	transport *Transport
	worker    *engineWorker
	namespace string

	mu     sync.Mutex
	closed bool
}

func (c *workerConn) Send(cmd *Command) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("conn for namespace %s is closed", c.namespace)
	}
	c.mu.Unlock()

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	// Hold the read lock through the send: the worker's channel is only
	// closed under the write lock, so this cannot race a disconnect.
	c.transport.mu.RLock()
	defer c.transport.mu.RUnlock()
	if !c.transport.workers[c.worker] {
		return ErrNoEngine
	}

	select {
	case c.worker.send <- data:
		return nil
	default:
		return fmt.Errorf("engine worker send buffer full")
	}
}

func (c *workerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	c.transport.mu.Lock()
	if c.transport.workers[c.worker] {
		c.worker.mounts--
	}
	c.transport.mu.Unlock()
	return nil
}
