package ws_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/qtrace/qtrace/internal/control/ws"
)

func newTestBroadcaster() *ws.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return ws.NewBroadcaster(logger, 4)
}

func TestBroadcasterRegisterUnregister(t *testing.T) {
	bc := newTestBroadcaster()
	if bc.ClientCount() != 0 {
		t.Fatalf("expected 0 clients initially")
	}

	c := bc.Register("a")
	if bc.ClientCount() != 1 {
		t.Fatalf("expected 1 client after Register")
	}

	bc.Unregister("a")
	if bc.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after Unregister")
	}

	select {
	case _, ok := <-c.Send():
		if ok {
			t.Fatal("expected Send channel closed after Unregister")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for closed Send channel")
	}
}

func TestBroadcastLineDeliversToClient(t *testing.T) {
	bc := newTestBroadcaster()
	c := bc.Register("viewer")
	defer bc.Unregister("viewer")

	bc.BroadcastLine("String#gsub <0.012500>")

	select {
	case line := <-c.Send():
		if string(line) != "String#gsub <0.012500>" {
			t.Fatalf("got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast line")
	}
}

func TestBroadcastLineDropsOnFullBuffer(t *testing.T) {
	bc := newTestBroadcaster()
	c := bc.Register("slow")
	defer bc.Unregister("slow")

	for i := 0; i < 10; i++ {
		bc.BroadcastLine("line")
	}
	if c.Dropped.Load() == 0 {
		t.Fatal("expected at least one dropped line once the buffer fills")
	}
}

func TestCloseUnregistersEveryClient(t *testing.T) {
	bc := newTestBroadcaster()
	bc.Register("a")
	bc.Register("b")

	bc.Close()

	if bc.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after Close, got %d", bc.ClientCount())
	}

	c := bc.Register("c")
	if _, ok := <-c.Send(); ok {
		t.Fatal("expected a post-Close Register to return an already-closed client")
	}
}
