package lease

import (
	"errors"
	"fmt"
)

// Failure codes returned by store operations.
const (
	CodeNotFound       = "not_found"
	CodeInvalidState   = "invalid_state"
	CodeNoAvailableKey = "no_available_key"
	CodePoolExhausted  = "pool_exhausted"
)

// Failure is the error type returned by Store operations. Adapters map Code
// onto their own status vocabulary.
type Failure struct {
	Code   string
	Detail string
}

func (f Failure) Error() string {
	if f.Detail != "" {
		return fmt.Sprintf("%s: %s", f.Code, f.Detail)
	}
	return f.Code
}

// Is matches any Failure carrying the same code, so callers can compare
// against the Err* sentinels.
func (f Failure) Is(target error) bool {
	other, ok := target.(Failure)
	return ok && other.Code == f.Code
}

// Sentinels for errors.Is.
var (
	ErrNotFound       = Failure{Code: CodeNotFound}
	ErrInvalidState   = Failure{Code: CodeInvalidState}
	ErrNoAvailableKey = Failure{Code: CodeNoAvailableKey}
	ErrPoolExhausted  = Failure{Code: CodePoolExhausted}
)

// CodeOf returns the failure code carried by err, or "" when err is not a
// Failure.
func CodeOf(err error) string {
	var f Failure
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

func notFound(id uint64) error {
	return Failure{Code: CodeNotFound, Detail: fmt.Sprintf("key %d not found", id)}
}

func invalidState(id uint64, op string, state State) error {
	return Failure{Code: CodeInvalidState, Detail: fmt.Sprintf("cannot %s key %d in state %s", op, id, state)}
}
