// Package mqueue implements the controller side of the SysV message queue
// transport that binds qtrace to an instrumented target process. It owns
// the queue pair (one inbound, one outbound), the wakeup-signal doorbell,
// and the interrupted-syscall retry discipline the kernel requires of
// signal-driven IPC.
//
// Only Linux has a real implementation (mqueue_linux.go); every other
// platform builds against mqueue_other.go, which returns a clear
// unsupported-platform error from every operation; SysV IPC is not
// attempted on BSD/Darwin hosts.
package mqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Signal is the agreed wakeup signal the controller sends to prompt the
// target to check its command queue.
const Signal = "SIGURG"

// Sentinel errors surfaced by Open, Send, and Recv. Callers match against
// these with errors.Is; the concrete OS error is always wrapped underneath.
var (
	// ErrAgentNotListening means the queue pair did not appear after the
	// configured number of attach attempts.
	ErrAgentNotListening = errors.New("mqueue: agent not listening")
	// ErrQueueRemoved means the target's queue no longer exists — it exited.
	ErrQueueRemoved = errors.New("mqueue: queue removed")
	// ErrCommandTooLarge means an outbound payload exceeds BufSize.
	ErrCommandTooLarge = errors.New("mqueue: command too large")
)

// openAttempts and openInterval implement the "5 attempts spaced 150ms
// apart" retry policy from the open() operation.
const (
	openAttempts = 5
	openInterval = 150 * time.Millisecond
)

// Pair is an attached SysV message queue pair for one target PID.
type Pair struct {
	PID int
	in  int // qin: events from target to controller, msgget(+pid)
	out int // qout: commands from controller to target, msgget(-pid)
}

// Open attaches to the queue pair for pid. It signals the target, then
// requests both queue handles; it repeats this up to openAttempts times,
// spaced openInterval apart, succeeding as soon as both handles resolve.
// If the pair never appears, Open returns ErrAgentNotListening.
func Open(ctx context.Context, pid int) (*Pair, error) {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(openInterval), openAttempts-1),
		ctx,
	)

	var pair *Pair
	err := backoff.Retry(func() error {
		_ = SendSignal(pid)
		p, err := openOnce(pid)
		if err != nil {
			return err
		}
		pair = p
		return nil
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: pid %d: %w", ErrAgentNotListening, pid, err)
	}
	return pair, nil
}

// SendSignal sends SIGURG to pid, prompting it to check its command queue.
func SendSignal(pid int) error { return sendSignal(pid) }

// Send transmits payload (already encoded by the caller's codec) on the
// outbound queue, retrying transparently across interrupted-syscall
// returns. It rejects payloads larger than BufSize before making any
// syscall.
func (p *Pair) Send(payload []byte) error {
	if len(payload) > BufSize {
		return fmt.Errorf("%w: %d bytes > %d", ErrCommandTooLarge, len(payload), BufSize)
	}
	return sendMsg(p.out, payload)
}

// Recv receives one message from the inbound queue. If blocking is true it
// waits indefinitely for a message; otherwise it returns (nil, nil) when no
// message is currently available. Both modes retry transparently across
// interrupted-syscall returns.
func (p *Pair) Recv(blocking bool) ([]byte, error) {
	return recvMsg(p.in, blocking)
}
