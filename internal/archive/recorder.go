package archive

import (
	"context"
	"log/slog"
	"sync"
)

// defaultBatchSize bounds how many trace lines accumulate in memory before
// BufferedRecorder flushes them to the database on its own, independent of
// the GC/detach boundaries that normally trigger a flush.
const defaultBatchSize = 256

// BufferedRecorder adapts a Store to render.TraceRecorder (render does not
// import this package; the interface is satisfied structurally). Writes are
// buffered in memory and flushed as a batch (one insert per line, without
// an enclosing transaction) at GC brackets, when defaultBatchSize lines are
// pending, and at session detach, rather than on every rendered line.
type BufferedRecorder struct {
	store  *Store
	pid    int
	logger *slog.Logger

	mu      sync.Mutex
	pending []TraceLine
}

// NewBufferedRecorder returns a recorder that persists trace lines for pid
// into store. logger receives a warning for any flush failure; a failed
// flush drops the buffered batch rather than blocking the render loop.
func NewBufferedRecorder(store *Store, pid int, logger *slog.Logger) *BufferedRecorder {
	return &BufferedRecorder{store: store, pid: pid, logger: logger}
}

// RecordLine implements render.TraceRecorder. A "garbage_collect" line
// triggers an immediate flush, matching the GC-boundary batching rule;
// other lines are buffered until the next flush trigger or Flush call.
func (r *BufferedRecorder) RecordLine(tracerID int, qualified string, durationUs int64, nesting int) {
	r.mu.Lock()
	r.pending = append(r.pending, TraceLine{
		PID: r.pid, TracerID: tracerID, Qualified: qualified,
		DurationUs: durationUs, Nesting: nesting,
	})
	shouldFlush := qualified == "garbage_collect" || len(r.pending) >= defaultBatchSize
	r.mu.Unlock()

	if shouldFlush {
		r.Flush(context.Background())
	}
}

// Flush writes every buffered trace line to the store. Call it at session
// detach to ensure the final batch is not lost.
func (r *BufferedRecorder) Flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, line := range batch {
		if err := r.store.Record(ctx, line); err != nil {
			if r.logger != nil {
				r.logger.Warn("archive: flush failed", slog.Any("error", err))
			}
			return
		}
	}
}
