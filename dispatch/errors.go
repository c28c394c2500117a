package dispatch

import "fmt"

// ErrSendFailed is returned when a single delivery attempt to the
// platform failed.
type ErrSendFailed struct {
	Channel  string
	Platform string
	Cause    error
}

func (e *ErrSendFailed) Error() string {
	return fmt.Sprintf("dispatch: send failed on %s (%s): %v", e.Channel, e.Platform, e.Cause)
}

func (e *ErrSendFailed) Unwrap() error { return e.Cause }

// DeliveryError is returned when the retry budget for a message is
// exhausted. The cycle treats this as a failed tick and does not commit
// the records, so they are retried next cycle rather than lost.
type DeliveryError struct {
	Channel  string
	Attempts int
	Cause    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("dispatch: delivery to %s failed after %d attempts: %v", e.Channel, e.Attempts, e.Cause)
}

func (e *DeliveryError) Unwrap() error { return e.Cause }
