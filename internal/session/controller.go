// Package session implements the session controller (C3): the component
// that owns one attached target process end to end — the queue pair, the
// command/event codec, and the renderer — and exposes the verb surface
// (watch, eval, add, fork, detach, ...) as ordinary Go methods.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/qtrace/qtrace/internal/audit"
	"github.com/qtrace/qtrace/internal/mqueue"
	"github.com/qtrace/qtrace/internal/render"
	"github.com/qtrace/qtrace/internal/wire"
)

const (
	drainPerTick  = 50
	pollInterval  = 50 * time.Millisecond
	gcBackoff     = 10 * time.Millisecond
	attachTimeout = 5 * time.Second
	detachTimeout = 2 * time.Second
)

// Controller is one attached session: a queue pair bound to a target PID,
// plus the renderer that turns its event stream into trace output. The
// zero value is not usable; construct with Attach.
type Controller struct {
	pid       int
	sessionID string
	pair      *mqueue.Pair
	ledger    *audit.Ledger

	// rsMu guards rs against the Status reader: the recv loop (Run/wait,
	// via handle) mutates it under the lock on the controller's own
	// goroutine, while Status reads it under the lock from an HTTP handler
	// goroutine when the control surface (C7) is enabled. The controller
	// goroutine's own reads (wait predicates) and its resets of
	// ForkedPID/EvalResult, which Status never reads, do not take it.
	rsMu sync.Mutex
	rs   *render.Session

	interrupted atomic.Bool
}

// Option configures optional Controller behavior at Attach time.
type Option func(*Controller)

// WithLedger enables command/attach/detach auditing against l. Every
// outbound command and the attach/detach transitions are appended as
// tamper-evident ledger entries.
func WithLedger(l *audit.Ledger) Option {
	return func(c *Controller) { c.ledger = l }
}

// WithRecorder enables trace-line archival: every completed call, slow
// call, and GC bracket the renderer produces is handed to rec.
func WithRecorder(rec render.TraceRecorder) Option {
	return func(c *Controller) { c.rs.Recorder = rec }
}

// WithDisplay configures the renderer's cosmetic output options, mirroring
// the session descriptor's display block.
func WithDisplay(showTime, showDuration bool, prefixSpaces int) Option {
	return func(c *Controller) {
		c.rs.ShowTime = showTime
		c.rs.ShowDuration = showDuration
		if prefixSpaces > 0 {
			c.rs.PrefixString = strings.Repeat(" ", prefixSpaces)
		}
	}
}

// logLedger appends one entry to the ledger if one is configured, tagging
// the payload with the session's correlation id so entries from concurrent
// multi-pid sessions sharing one ledger file can be told apart. Marshal
// failures are swallowed: the ledger is an auditing convenience, not a
// correctness dependency, and must never fail a session over a payload that
// cannot be encoded.
func (c *Controller) logLedger(kind audit.Kind, payload map[string]any) {
	if c.ledger == nil {
		return
	}
	payload["session_id"] = c.sessionID
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = c.ledger.Append(kind, raw)
}

// Interrupt marks the current wait as user-interrupted. The controller
// absorbs one interrupted wait (it stops blocking and re-evaluates its
// predicate) without tearing down the session, distinct from ctx
// cancellation, which ends the session outright.
func (c *Controller) Interrupt() { c.interrupted.Store(true) }

// Attach opens the queue pair for pid, sends the attach handshake, and
// blocks until the target acknowledges or ctx's deadline/attachTimeout (the
// tighter of the two) elapses. ErrAlreadyTraced surfaces when the target is
// already owned by a different controller PID.
func Attach(ctx context.Context, pid int, out io.Writer, opts ...Option) (*Controller, error) {
	pair, err := mqueue.Open(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAgentNotListening, err)
	}

	c := &Controller{
		pid:       pid,
		sessionID: uuid.NewString(),
		pair:      pair,
		rs:        render.NewSession(out, osGetpid()),
	}
	for _, opt := range opts {
		opt(c)
	}

	cctx, cancel := context.WithTimeout(ctx, attachTimeout)
	defer cancel()

	payload, err := wire.Encode("attach", osGetpid())
	if err != nil {
		return nil, err
	}
	if err := c.pair.Send(payload); err != nil {
		return nil, err
	}
	if err := mqueue.SendSignal(pid); err != nil {
		return nil, err
	}

	ok, err := c.wait(cctx, "attach", attachTimeout, func() bool { return c.rs.Attached })
	if err != nil {
		if errors.Is(err, render.ErrAlreadyTraced) {
			err = fmt.Errorf("%w: %w", ErrAlreadyTraced, err)
		}
		c.logLedger(audit.KindError, map[string]any{"phase": "attach", "error": err.Error()})
		return nil, err
	}
	if !ok {
		c.logLedger(audit.KindError, map[string]any{"phase": "attach", "error": ErrAttachFailed.Error()})
		return nil, ErrAttachFailed
	}
	c.logLedger(audit.KindAttach, map[string]any{"pid": pid, "controller_pid": osGetpid()})
	return c, nil
}

// Detach sends the detach command and waits for the target to confirm, or
// treats a queue-removed condition (the target already exited) as a clean
// detach.
func (c *Controller) Detach(ctx context.Context) error {
	if c.rs.Recorder != nil {
		if flusher, ok := c.rs.Recorder.(interface{ Flush(context.Context) }); ok {
			defer flusher.Flush(ctx)
		}
	}

	payload, err := wire.Encode("detach")
	if err != nil {
		return err
	}
	if err := c.pair.Send(payload); err != nil {
		if isQueueGone(err) {
			c.logLedger(audit.KindDetach, map[string]any{"pid": c.pid, "process_gone": true})
			return nil
		}
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, detachTimeout)
	defer cancel()

	_, err = c.wait(cctx, "detach", detachTimeout, func() bool { return !c.rs.Attached })
	if isQueueGone(err) {
		c.logLedger(audit.KindDetach, map[string]any{"pid": c.pid, "process_gone": true})
		return nil
	}
	if err == nil {
		c.logLedger(audit.KindDetach, map[string]any{"pid": c.pid})
	}
	return err
}

// wait polls the inbound queue until predicate reports true, ctx is
// canceled, or timeout elapses. Per spec.md §4.3's wait primitive, each
// tick drains up to drainPerTick *non-blocking* receives, sleeps
// pollInterval, re-signals the target, then tests the predicate again — it
// never performs a blocking receive, because the target may not have
// answered yet (a signal can be missed or arrive before the target is
// ready), and a blocking msgrcv would leave the wait where neither timeout
// nor ctx can reach it; the per-tick re-signal covers that case. ErrDuringGC pauses and
// re-signals rather than failing the wait; any other handler error is fatal
// and returned immediately. A caller-raised interrupt (via
// Controller.Interrupt) ends the current wait without propagating an
// error, mirroring the reference client's behavior of absorbing Ctrl-C
// into "stop waiting for this reply" rather than "tear down the session."
func (c *Controller) wait(ctx context.Context, reason string, timeout time.Duration, predicate func() bool) (bool, error) {
	deadline := time.Now().Add(timeout)

	for {
		if predicate() {
			return true, nil
		}
		if c.interrupted.Swap(false) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		if time.Now().After(deadline) {
			return false, nil
		}

		_, err := c.drainNonBlocking(ctx)
		if err != nil {
			if err == render.ErrDuringGC {
				time.Sleep(gcBackoff)
				_ = mqueue.SendSignal(c.pid)
				continue
			}
			return false, fmt.Errorf("session: %s: %w", reason, err)
		}
		if predicate() {
			return true, nil
		}

		time.Sleep(pollInterval)
		if err := mqueue.SendSignal(c.pid); err != nil {
			return false, fmt.Errorf("session: %s: %w", reason, err)
		}
	}
}

// drainNonBlocking performs up to drainPerTick non-blocking receives,
// feeding each decoded event to the renderer, stopping early the first
// time the queue reports would-block/no-message. It returns the number of
// events processed. This is the drain primitive wait uses every tick; it
// never blocks in msgrcv, so a caller-imposed timeout always has a chance
// to fire between ticks.
func (c *Controller) drainNonBlocking(ctx context.Context) (int, error) {
	n := 0
	for i := 0; i < drainPerTick; i++ {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		default:
		}
		msg, err := c.pair.Recv(false)
		if err != nil {
			return n, mapTransportErr(err)
		}
		if msg == nil {
			break
		}
		if err := c.handle(msg); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// drainOnce performs one blocking receive and up to drainPerTick-1
// subsequent non-blocking receives, feeding each decoded event to the
// renderer. It returns the number of events processed. Unlike
// drainNonBlocking, it is only ever safe to call from Run, where blocking
// until the target's next event is exactly the desired behavior (§4.3's
// "block on recv, dispatch, then non-blocking-drain further messages").
func (c *Controller) drainOnce(ctx context.Context) (int, error) {
	n := 0
	msg, err := c.pair.Recv(true)
	if err != nil {
		return n, mapTransportErr(err)
	}
	if msg != nil {
		if err := c.handle(msg); err != nil {
			return n, err
		}
		n++
	}

	for i := 1; i < drainPerTick; i++ {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		default:
		}
		msg, err := c.pair.Recv(false)
		if err != nil {
			return n, mapTransportErr(err)
		}
		if msg == nil {
			break
		}
		if err := c.handle(msg); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (c *Controller) handle(msg []byte) error {
	op, args, err := wire.Decode(msg)
	if err != nil {
		return fmt.Errorf("session: decode: %w", err)
	}
	c.rsMu.Lock()
	defer c.rsMu.Unlock()
	return c.rs.HandleEvent(op, args)
}

// Run drives the blocking receive loop for the lifetime of ctx, feeding
// every event to the renderer. It returns nil when the target's queue is
// removed (the target exited) or ctx is canceled, and a non-nil error for
// any other fatal interpreter error.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := c.drainOnce(ctx)
		if err != nil {
			if err == render.ErrDuringGC {
				time.Sleep(gcBackoff)
				_ = mqueue.SendSignal(c.pid)
				continue
			}
			if isQueueGone(err) || errorsIsContextDone(err) {
				return nil
			}
			return err
		}
		if n == 0 {
			time.Sleep(pollInterval)
		}
	}
}

// send is the shared plumbing for every fire-and-forget command: encode,
// transmit, signal.
func (c *Controller) send(op string, args ...any) error {
	payload, err := wire.Encode(op, args...)
	if err != nil {
		return err
	}
	if err := c.pair.Send(payload); err != nil {
		return mapTransportErr(err)
	}
	c.logLedger(audit.KindCommand, map[string]any{"op": op, "args": args})
	return mqueue.SendSignal(c.pid)
}

// Watch enables slow-call reporting by wall-clock time: any method call
// taking longer than thresholdMs is reported as a "slow" event, regardless
// of whether a tracer was separately installed for it.
func (c *Controller) Watch(thresholdMs int) error { return c.send("watch", thresholdMs) }

// WatchCPU is Watch restricted to CPU time rather than wall-clock time.
func (c *Controller) WatchCPU(thresholdMs int) error { return c.send("watchcpu", thresholdMs) }

// Add installs a tracer on methods matched by selector, splitting off any
// parenthesized argument expressions into their own addexpr follow-up
// commands bound to the tracer the target assigns. slow restricts the
// tracer to reporting only calls that exceed the watch/watchcpu threshold,
// rather than every call and return.
func (c *Controller) Add(selector string, slow bool) error {
	parsed, err := ParseSelector(selector)
	if err != nil {
		return err
	}
	if err := c.send("add", parsed.Core, slow); err != nil {
		return err
	}
	for _, expr := range parsed.Exprs {
		if err := ValidateExpression(expr); err != nil {
			return err
		}
		if err := c.send("addexpr", expr); err != nil {
			return err
		}
	}
	return nil
}

// Firehose enables (or disables) untargeted method-call tracing across the
// whole process.
func (c *Controller) Firehose(enable bool) error { return c.send("firehose", enable) }

// DevMode sends the devmode command with enable, under which the target
// tolerates class/method redefinition.
func (c *Controller) DevMode(enable bool) error { return c.send("devmode", enable) }

// GC enables (or leaves enabled) reporting of garbage-collection brackets
// (gc_start/gc_end/gc events) from the target.
func (c *Controller) GC() error { return c.send("gc") }

// Fork requests the target fork a paused sibling and waits up to timeout
// for the sibling's pid to be reported back, per the fork-timeout session
// option. It returns the forked sibling's pid.
func (c *Controller) Fork(ctx context.Context, timeout time.Duration) (int, error) {
	c.rs.ForkedPID = nil
	if err := c.send("fork"); err != nil {
		return 0, err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := c.wait(cctx, "fork", timeout, func() bool { return c.rs.ForkedPID != nil })
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("session: fork: %w", ErrAttachFailed)
	}
	return *c.rs.ForkedPID, nil
}

// Eval requests the target evaluate expr once and waits up to timeout for
// the result to be reported back, after a local syntactic smoke test. It
// returns the result's string form as rendered by the target.
func (c *Controller) Eval(ctx context.Context, expr string, timeout time.Duration) (string, error) {
	if err := ValidateExpression(expr); err != nil {
		return "", err
	}
	c.rs.EvalResult = nil
	if err := c.send("eval", expr); err != nil {
		return "", err
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ok, err := c.wait(cctx, "eval", timeout, func() bool { return c.rs.EvalResult != nil })
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("session: eval: %w", ErrAttachFailed)
	}
	return *c.rs.EvalResult, nil
}

