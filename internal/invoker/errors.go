package invoker

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failed call.
type Kind int

const (
	// Transient failures may succeed on retry: timeouts, rate limits, 5xx,
	// malformed responses.
	Transient Kind = iota + 1
	// Fatal failures will fail again without a configuration change: bad
	// credentials, malformed requests, unknown models.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Failure is the normalized error for every provider problem. Callers never
// see provider-native error types.
type Failure struct {
	Kind     Kind
	Provider string
	Model    string
	Status   int
	Reason   string
	Err      error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s %s: %s failure: %s", f.Provider, f.Model, f.Kind, f.Reason)
	if f.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", f.Status)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

func transient(reason string, err error) *Failure {
	return &Failure{Kind: Transient, Reason: reason, Err: err}
}

func fatal(reason string, err error) *Failure {
	return &Failure{Kind: Fatal, Reason: reason, Err: err}
}

// KindOf returns the failure kind of err, or 0 when err is not a Failure.
func KindOf(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// IsTransient reports whether err is a transient Failure.
func IsTransient(err error) bool {
	return KindOf(err) == Transient
}

// IsFatal reports whether err is a fatal Failure.
func IsFatal(err error) bool {
	return KindOf(err) == Fatal
}

// statusFailure maps an HTTP status to a Failure. Unknown statuses are
// treated as transient.
func statusFailure(status int, body string) *Failure {
	var f *Failure
	switch {
	case status == http.StatusTooManyRequests:
		f = transient("rate limited", nil)
	case status == http.StatusRequestTimeout:
		f = transient("provider timeout", nil)
	case status >= 500:
		f = transient("provider unavailable", nil)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusPaymentRequired:
		f = fatal("authentication failed", nil)
	case status == http.StatusBadRequest, status == http.StatusNotFound, status == http.StatusUnprocessableEntity:
		f = fatal("request rejected", nil)
	default:
		f = transient("unexpected status", nil)
	}
	f.Status = status
	if body != "" {
		f.Err = errors.New(body)
	}
	return f
}
