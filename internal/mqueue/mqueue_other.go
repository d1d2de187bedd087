// Stub implementation of the SysV message queue transport for non-Linux
// platforms.
//
// On Linux the real implementation in mqueue_linux.go is compiled; this
// file satisfies the same internal functions so the package builds
// everywhere, but every operation fails with a descriptive error. To add
// support for another SysV IPC host, create mqueue_<goos>.go with a real
// implementation and adjust BufSize if that platform's kernel enforces a
// different mtext limit (120 bytes on most non-Linux hosts per the wire
// contract).
//
//go:build !linux

package mqueue

import (
	"fmt"
	"runtime"
)

// BufSize is 120 on every platform this stub covers. It is never exercised
// for real traffic here, but codec round-trip tests still build against it.
const BufSize = 120

func unsupported() error {
	return fmt.Errorf("mqueue: SysV message queue transport is only supported on Linux (current platform: %s)", runtime.GOOS)
}

func openOnce(pid int) (*Pair, error) {
	return nil, unsupported()
}

func sendSignal(pid int) error {
	return unsupported()
}

func sendMsg(msqid int, payload []byte) error {
	return unsupported()
}

func recvMsg(msqid int, blocking bool) ([]byte, error) {
	return nil, unsupported()
}
