// ABOUTME: Process exit codes for fatal server failures and the error type carrying them.
// ABOUTME: The codes are an external contract; scripts distinguish failure points by them.

package master

import (
	"errors"
	"fmt"
)

// Exit codes, one per fatal failure point.
const (
	ExitUsage           = 1
	ExitConfig          = 2
	ExitRelayCreate     = 3
	ExitRelayBind       = 4
	ExitBroadcastCreate = 5
	ExitBroadcastBind   = 6
	ExitHeraldMissing   = 7
	ExitHeraldType      = 8
	ExitAckSend         = 9
	ExitGateway         = 10
	ExitStore           = 11
	ExitStatus          = 12
)

var errGatewayStopped = errors.New("gateway stopped unexpectedly")

// StartupError is a fatal server failure tagged with the exit code the
// process should terminate with. Losing the gateway while serving is
// reported the same way.
type StartupError struct {
	Code int
	Err  error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("%v (exit code %d)", e.Err, e.Code)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

func fatal(code int, format string, args ...any) *StartupError {
	return &StartupError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ExitCode returns the exit code carried by err, or fallback when err is not
// a StartupError.
func ExitCode(err error, fallback int) int {
	var se *StartupError
	if errors.As(err, &se) {
		return se.Code
	}
	return fallback
}
