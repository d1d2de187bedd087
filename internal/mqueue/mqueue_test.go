package mqueue

import (
	"bytes"
	"errors"
	"testing"
)

func TestSendRejectsOversizeCommand(t *testing.T) {
	p := &Pair{PID: 1}
	oversize := bytes.Repeat([]byte{0x7f}, BufSize+1)

	err := p.Send(oversize)
	if err == nil {
		t.Fatal("expected an error for an oversize payload, got nil")
	}
	if !errors.Is(err, ErrCommandTooLarge) {
		t.Fatalf("expected ErrCommandTooLarge, got %v", err)
	}
}

func TestSendAtExactBufSizeReachesTransport(t *testing.T) {
	p := &Pair{PID: 1}
	exact := bytes.Repeat([]byte{0x01}, BufSize)

	// A BufSize-exact payload must pass the size guard; whatever error comes
	// back (if any) must not be ErrCommandTooLarge.
	if err := p.Send(exact); errors.Is(err, ErrCommandTooLarge) {
		t.Fatalf("exact-size payload was rejected as too large: %v", err)
	}
}
