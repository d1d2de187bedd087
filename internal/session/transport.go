package session

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/qtrace/qtrace/internal/mqueue"
)

// mapTransportErr translates a raw mqueue error into the session package's
// own sentinel vocabulary, so callers never need to import mqueue just to
// compare errors.
func mapTransportErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mqueue.ErrQueueRemoved):
		return fmt.Errorf("%w: %w", ErrProcessGone, err)
	case errors.Is(err, mqueue.ErrCommandTooLarge):
		return fmt.Errorf("%w: %w", ErrCommandTooLarge, err)
	default:
		return err
	}
}

// isQueueGone reports whether err ultimately traces back to the target's
// queue having been removed, i.e. the process exited.
func isQueueGone(err error) bool {
	return errors.Is(err, ErrProcessGone) || errors.Is(err, mqueue.ErrQueueRemoved)
}

func osGetpid() int { return os.Getpid() }

// errorsIsContextDone reports whether err is exactly one of the two
// sentinel errors context.Context produces, without pulling in the
// standard library's own package name as a local identifier collision with
// our ctx variables.
func errorsIsContextDone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
