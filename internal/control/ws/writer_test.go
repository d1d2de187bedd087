package ws_test

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/qtrace/qtrace/internal/control/ws"
)

func TestLineWriterBroadcastsOnlyCompleteLines(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	bc := ws.NewBroadcaster(logger, 4)
	c := bc.Register("viewer")
	defer bc.Unregister("viewer")

	w := ws.NewLineWriter(bc)

	// A renderer typically writes a call in several small Fprint calls.
	mustWrite(t, w, "String#")
	mustWrite(t, w, "gsub")
	select {
	case <-c.Send():
		t.Fatal("did not expect a broadcast before the line is newline-terminated")
	case <-time.After(50 * time.Millisecond):
	}

	mustWrite(t, w, " <0.012500>\n")
	select {
	case line := <-c.Send():
		if string(line) != "String#gsub <0.012500>" {
			t.Fatalf("got %q", line)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the completed line")
	}
}

func mustWrite(t *testing.T, w *ws.LineWriter, s string) {
	t.Helper()
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("Write(%q): %v", s, err)
	}
}
