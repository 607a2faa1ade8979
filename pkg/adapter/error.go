package adapter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Outcome is the tagged result of one backend invocation.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeError       Outcome = "error"
	OutcomeRateLimited Outcome = "rate_limited"
)

// Failed reports whether the outcome counts against the backend.
func (o Outcome) Failed() bool {
	return o != OutcomeSuccess
}

var (
	// ErrTimeout marks an invocation that exceeded its deadline.
	ErrTimeout = errors.New("backend timeout")
	// ErrRateLimited marks an invocation rejected for rate limiting.
	ErrRateLimited = errors.New("backend rate limited")
	// ErrBackend marks any other backend-reported failure.
	ErrBackend = errors.New("backend error")
)

// AdapterError wraps provider errors with status metadata.
type AdapterError struct {
	Backend   string
	Status    int
	Temporary bool
	Err       error
}

func (e *AdapterError) Error() string {
	if e == nil {
		return "adapter error"
	}
	if e.Err != nil {
		if e.Backend != "" {
			return fmt.Sprintf("%s: %v", e.Backend, e.Err)
		}
		return e.Err.Error()
	}
	return fmt.Sprintf("adapter error (status=%d)", e.Status)
}

func (e *AdapterError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Classify maps an invocation error to its outcome tag. A nil error is a
// success. Caller cancellation is reported as an error outcome; the engine
// decides separately whether it counts against the backend.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	if errors.Is(err, ErrRateLimited) {
		return OutcomeRateLimited
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		switch adapterErr.Status {
		case http.StatusTooManyRequests:
			return OutcomeRateLimited
		case http.StatusRequestTimeout, http.StatusGatewayTimeout:
			return OutcomeTimeout
		}
	}
	return OutcomeError
}

// IsTransient reports whether an error is likely to clear on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch Classify(err) {
	case OutcomeTimeout, OutcomeRateLimited:
		return true
	}
	var adapterErr *AdapterError
	if errors.As(err, &adapterErr) {
		if adapterErr.Temporary {
			return true
		}
		if adapterErr.Status >= 500 && adapterErr.Status <= 599 {
			return true
		}
	}
	return false
}

// statusError wraps a provider failure that carries an HTTP status code.
func statusError(backend string, status int, err error) error {
	return &AdapterError{
		Backend:   backend,
		Status:    status,
		Temporary: status == http.StatusTooManyRequests || status >= 500,
		Err:       err,
	}
}
