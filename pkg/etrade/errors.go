package etrade

import (
	"errors"
	"fmt"
)

// ErrMalformedResponse is wrapped when a 2xx payload is missing fields the
// protocol requires.
var ErrMalformedResponse = errors.New("malformed response")

// ValidationError reports bad local input. It never reaches the network.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConfigError reports a signer or client built from incomplete settings.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("missing or malformed %s", e.Field)
}

// AuthProtocolError is a rejected or malformed token-endpoint exchange.
type AuthProtocolError struct {
	Step   string
	Status int
	Body   string
	Err    error
}

func (e *AuthProtocolError) Error() string {
	switch {
	case e.Err != nil && e.Status != 0:
		return fmt.Sprintf("oauth %s failed with status %d: %v", e.Step, e.Status, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("oauth %s failed: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("oauth %s rejected with status %d: %s", e.Step, e.Status, e.Body)
	}
}

func (e *AuthProtocolError) Unwrap() error { return e.Err }

// APIError is a resource call the brokerage answered with a non-success
// status. Status 0 means the request failed in transport before any answer.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
	Err    error
}

func (e *APIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s %s failed: %v", e.Method, e.Path, e.Err)
	}
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

func (e *APIError) Unwrap() error { return e.Err }

// TimeoutError means no answer arrived in time. For a commit the order may
// still have been placed, which Ambiguous records.
type TimeoutError struct {
	Op        string
	Ambiguous bool
	Err       error
}

func (e *TimeoutError) Error() string {
	if e.Ambiguous {
		return fmt.Sprintf("%s timed out, outcome unknown: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s timed out: %v", e.Op, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// Status mirrors APIError.Status for callers that log both the same way.
func (e *TimeoutError) Status() string { return "timeout" }

// IllegalStateError is a component used out of its required sequence.
type IllegalStateError struct {
	Op    string
	State string
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("cannot %s in state %s", e.Op, e.State)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsTimeout(err error) bool {
	var target *TimeoutError
	return errors.As(err, &target)
}

func IsIllegalState(err error) bool {
	var target *IllegalStateError
	return errors.As(err, &target)
}

func IsAuthProtocol(err error) bool {
	var target *AuthProtocolError
	return errors.As(err, &target)
}

// AsAPIError returns the APIError in err's chain, if any.
func AsAPIError(err error) (*APIError, bool) {
	var target *APIError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
