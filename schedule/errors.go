package schedule

import (
	"fmt"
	"strings"
)

// ErrorKind names the concrete error type for structured logs, e.g.
// "render.TimeoutError" or "dispatch.DeliveryError". Operators alert on
// kinds, not messages.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimPrefix(fmt.Sprintf("%T", err), "*")
}
