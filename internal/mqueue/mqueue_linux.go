// Linux implementation of the SysV message queue transport, built on the
// raw msgget/msgsnd/msgrcv syscalls exposed by golang.org/x/sys/unix.
//
//go:build linux

package mqueue

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// BufSize is the fixed mtext length, in bytes, of every message exchanged
// with the target agent. It is a hard wire-compatibility constant: 256 on
// Linux, 120 on every other platform this protocol targets.
const BufSize = 256

// mtype is always 1 for application traffic, per the wire contract.
const mtype = 1

// sizeofLong is the width of the C `long` mtype field msgsnd/msgrcv expect
// ahead of mtext on amd64/arm64 Linux.
const sizeofLong = 8

// openOnce requests both queue handles for pid without creating them. A
// missing queue surfaces as ENOENT, which the retry loop in Open treats as
// "not yet listening" rather than a hard failure.
func openOnce(pid int) (*Pair, error) {
	in, err := unix.Msgget(pid, 0)
	if err != nil {
		return nil, fmt.Errorf("msgget(qin, %d): %w", pid, err)
	}
	out, err := unix.Msgget(-pid, 0)
	if err != nil {
		return nil, fmt.Errorf("msgget(qout, %d): %w", -pid, err)
	}
	return &Pair{PID: pid, in: in, out: out}, nil
}

// sendSignal delivers SIGURG to pid.
func sendSignal(pid int) error {
	if err := unix.Kill(pid, unix.SIGURG); err != nil {
		return fmt.Errorf("kill(%d, SIGURG): %w", pid, err)
	}
	return nil
}

// sendMsg encodes payload as a kernel msgbuf (8-byte mtype + BufSize-byte
// mtext, zero-padded) and submits it via msgsnd, retrying transparently
// across EINTR.
func sendMsg(msqid int, payload []byte) error {
	buf := make([]byte, sizeofLong+BufSize)
	binary.NativeEndian.PutUint64(buf[:sizeofLong], uint64(mtype))
	copy(buf[sizeofLong:], payload)

	for {
		err := unix.Msgsnd(msqid, buf, 0)
		if err == nil {
			return nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EIDRM) || errors.Is(err, unix.EINVAL) {
			return fmt.Errorf("%w: %w", ErrQueueRemoved, err)
		}
		return fmt.Errorf("msgsnd: %w", err)
	}
}

// recvMsg receives one message from msqid. When blocking is false it passes
// IPC_NOWAIT and returns (nil, nil) on EAGAIN/ENOMSG ("would-block" /
// "no-message"). Both modes retry transparently across EINTR.
func recvMsg(msqid int, blocking bool) ([]byte, error) {
	buf := make([]byte, sizeofLong+BufSize)
	flags := 0
	if !blocking {
		flags = unix.IPC_NOWAIT
	}

	for {
		n, err := unix.Msgrcv(msqid, buf, 0, flags)
		if err == nil {
			body := buf[sizeofLong:n]
			out := make([]byte, len(body))
			copy(out, body)
			return out, nil
		}
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if !blocking && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOMSG)) {
			return nil, nil
		}
		if errors.Is(err, unix.EIDRM) || errors.Is(err, unix.EINVAL) {
			return nil, fmt.Errorf("%w: %w", ErrQueueRemoved, err)
		}
		return nil, fmt.Errorf("msgrcv: %w", err)
	}
}
