package engine

import (
	"context"
	"errors"
	"testing"
)

// registerWorker attaches a bare worker to the pool the same way
// HandleConnection does, minus the socket.
func registerWorker(tr *Transport, buffer int) *engineWorker {
	w := &engineWorker{send: make(chan []byte, buffer)}
	tr.mu.Lock()
	tr.workers[w] = true
	tr.mu.Unlock()
	return w
}

// dropWorker removes a worker the way a socket disconnect does
func dropWorker(tr *Transport, w *engineWorker) {
	tr.mu.Lock()
	delete(tr.workers, w)
	close(w.send)
	tr.mu.Unlock()
}

func TestTransport_MountWithoutWorkers(t *testing.T) {
	tr := NewTransport(NewRegistry())

	_, err := tr.Mount(context.Background(), "ns-1")
	if !errors.Is(err, ErrNoEngine) {
		t.Fatalf("Mount with empty pool = %v, want ErrNoEngine", err)
	}
}

func TestTransport_MountPicksLeastLoadedWorker(t *testing.T) {
	tr := NewTransport(NewRegistry())
	busy := registerWorker(tr, 1)
	busy.mounts = 2
	idle := registerWorker(tr, 1)

	for i := 0; i < 2; i++ {
		if _, err := tr.Mount(context.Background(), "ns"); err != nil {
			t.Fatalf("Mount failed: %v", err)
		}
	}

	if idle.mounts != 2 {
		t.Errorf("idle worker has %d mounts, want 2", idle.mounts)
	}
	if busy.mounts != 2 {
		t.Errorf("busy worker has %d mounts, want its original 2", busy.mounts)
	}
}

func TestTransport_CloseReleasesMount(t *testing.T) {
	tr := NewTransport(NewRegistry())
	w := registerWorker(tr, 1)

	conn, err := tr.Mount(context.Background(), "ns-1")
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if w.mounts != 1 {
		t.Fatalf("mounts after Mount = %d, want 1", w.mounts)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if w.mounts != 0 {
		t.Errorf("mounts after Close = %d, want 0", w.mounts)
	}

	// Close is idempotent; the mount count must not go negative.
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if w.mounts != 0 {
		t.Errorf("mounts after double Close = %d, want 0", w.mounts)
	}
}

func TestTransport_SendAfterWorkerDropped(t *testing.T) {
	tr := NewTransport(NewRegistry())
	w := registerWorker(tr, 1)

	conn, err := tr.Mount(context.Background(), "ns-1")
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	dropWorker(tr, w)

	cmd, err := newCommand(CmdTeardown, "ns-1", nil)
	if err != nil {
		t.Fatalf("newCommand failed: %v", err)
	}
	if err := conn.Send(cmd); !errors.Is(err, ErrNoEngine) {
		t.Fatalf("Send after disconnect = %v, want ErrNoEngine", err)
	}
}

func TestTransport_SendFailsWhenBufferFull(t *testing.T) {
	tr := NewTransport(NewRegistry())
	registerWorker(tr, 1)

	conn, err := tr.Mount(context.Background(), "ns-1")
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	cmd, err := newCommand(CmdTeardown, "ns-1", nil)
	if err != nil {
		t.Fatalf("newCommand failed: %v", err)
	}
	if err := conn.Send(cmd); err != nil {
		t.Fatalf("Send into free buffer failed: %v", err)
	}
	// Nothing drains the buffer; the next send must fail instead of block.
	if err := conn.Send(cmd); err == nil {
		t.Fatal("Send into full buffer did not error")
	}
}

func TestTransport_SendAfterConnClosed(t *testing.T) {
	tr := NewTransport(NewRegistry())
	registerWorker(tr, 1)

	conn, err := tr.Mount(context.Background(), "ns-1")
	if err != nil {
		t.Fatalf("Mount failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	cmd, err := newCommand(CmdTeardown, "ns-1", nil)
	if err != nil {
		t.Fatalf("newCommand failed: %v", err)
	}
	if err := conn.Send(cmd); err == nil {
		t.Fatal("Send on closed conn did not error")
	}
}
