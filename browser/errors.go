package browser

import "fmt"

// LaunchError reports that the browser process could not be started or
// connected to. Fatal: the environment is missing a runtime dependency or
// the sandbox cannot start, and retrying will not repair it. Callers
// should stop the scheduler and exit non-zero so the host can alert.
type LaunchError struct {
	Cause error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("browser: cannot start browser: %v", e.Cause)
}

func (e *LaunchError) Unwrap() error { return e.Cause }
