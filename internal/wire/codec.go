// Package wire implements the command/event codec (C2): packing outbound
// command tuples and unpacking inbound event tuples using MessagePack, the
// self-describing binary format this protocol uses on the wire, enforcing
// the per-message byte cap the queue transport imposes.
package wire

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/qtrace/qtrace/internal/mqueue"
)

// BufSize is the hard per-message byte budget, re-exported from mqueue so
// callers that only need the codec do not have to import the transport
// package directly.
const BufSize = mqueue.BufSize

// ErrCommandTooLarge is returned by Encode when the packed tuple exceeds
// BufSize.
var ErrCommandTooLarge = mqueue.ErrCommandTooLarge

// ErrMalformedEvent is returned by Decode when the buffer does not contain
// a well-formed top-level array, or its first element is not a string tag.
var ErrMalformedEvent = errors.New("wire: malformed event")

// Encode packs [op, args...] into a single top-level MessagePack array,
// then zero-pads the result to exactly BufSize bytes. It returns
// ErrCommandTooLarge, naming the offending length, without padding or
// truncating the encoded value, if the packed form exceeds BufSize.
func Encode(op string, args ...any) ([]byte, error) {
	tuple := make([]any, 0, len(args)+1)
	tuple = append(tuple, op)
	tuple = append(tuple, args...)

	raw, err := msgpack.Marshal(tuple)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %q: %w", op, err)
	}
	if len(raw) > BufSize {
		return nil, fmt.Errorf("%w: %q encoded to %d bytes > %d", ErrCommandTooLarge, op, len(raw), BufSize)
	}

	padded := make([]byte, BufSize)
	copy(padded, raw)
	return padded, nil
}

// Decode parses the first complete MessagePack value out of buf (trailing
// zero-padding is simply never consumed) and splits it into an event tag
// and its argument list. buf need not be exactly BufSize bytes; Decode only
// reads as much as the encoded value actually occupies.
func Decode(buf []byte) (op string, args []any, err error) {
	dec := msgpack.NewDecoder(bytes.NewReader(buf))

	var tuple []any
	if decErr := dec.Decode(&tuple); decErr != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedEvent, decErr)
	}
	if len(tuple) == 0 {
		return "", nil, fmt.Errorf("%w: empty tuple", ErrMalformedEvent)
	}

	tag, ok := tuple[0].(string)
	if !ok {
		return "", nil, fmt.Errorf("%w: first element is not a string tag (%T)", ErrMalformedEvent, tuple[0])
	}

	return tag, tuple[1:], nil
}
