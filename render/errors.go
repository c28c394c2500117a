package render

import "fmt"

// NavigationError reports a network-level fetch failure: DNS, TCP, TLS,
// or an HTTP error surfaced by the browser. Transient; the tick fails and
// the next cycle retries.
type NavigationError struct {
	URL   string
	Cause error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("render: navigate %s: %v", e.URL, e.Cause)
}

func (e *NavigationError) Unwrap() error { return e.Cause }

// TimeoutError reports that the page did not reach its stable condition
// within the fetch timeout. Transient; the tick fails and the next cycle
// retries.
type TimeoutError struct {
	URL   string
	Stage string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("render: %s: timed out at %s", e.URL, e.Stage)
}
