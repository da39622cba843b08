package fanout

import (
	"errors"
	"fmt"

	"github.com/disgoorg/snowflake/v2"

	"conduction/internal/transport"
)

// Kind is the terminal state of one kernel attempt.
type Kind int

const (
	Success Kind = iota
	Retryable
	Terminal
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case Retryable:
		return "retryable"
	default:
		return "terminal"
	}
}

// Outcome is the result of one delivery attempt to one destination.
type Outcome struct {
	SourceMsgID   snowflake.ID
	DestChannelID snowflake.ID
	// DestMsgID is the copy's id, zero when none was created.
	DestMsgID snowflake.ID
	Kind      Kind
	Err       error
	Retries   int
	// Gone marks a delete whose copy had already been removed. It counts
	// toward the run but is not a delivery.
	Gone bool
}

// NoRetry marks an error as permanent so the kernel fails terminally.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// classify maps a delivery error to the outcome kind.
func classify(err error) Kind {
	switch {
	case err == nil:
		return Success
	case IsNoRetry(err),
		errors.Is(err, transport.ErrNotTextable),
		errors.Is(err, transport.ErrNotFound),
		errors.Is(err, transport.ErrForbidden):
		return Terminal
	default:
		return Retryable
	}
}
