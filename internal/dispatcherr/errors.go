package dispatcherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	ErrConfiguration     = errors.New("configuration error")
	ErrValidation        = errors.New("validation error")
	ErrQueueCancelled    = errors.New("queue cancelled")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// DispatchError is returned by outbound calls. Status is the remote status
// code when one was received, 0 otherwise.
type DispatchError struct {
	Class       Class
	Status      int
	RateLimited bool
	Err         error
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Class.String())
	b.WriteString(" dispatch error")
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

func Transient(status int, err error) error {
	return &DispatchError{
		Class:       ClassTransient,
		Status:      status,
		RateLimited: rateLimitSignal(status, err),
		Err:         err,
	}
}

func Permanent(status int, err error) error {
	return &DispatchError{Class: ClassPermanent, Status: status, Err: err}
}

func Permanentf(format string, args ...any) error {
	return Permanent(0, fmt.Errorf(format, args...))
}

// FromStatus classifies a non-success HTTP response.
func FromStatus(status int, err error) error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return Transient(status, err)
	default:
		if rateLimitSignal(status, err) {
			return Transient(status, err)
		}
		return Permanent(status, err)
	}
}

// Classify maps err onto the taxonomy. Unknown errors are transient, a
// permanent classification has to be explicit.
func Classify(err error) Class {
	var de *DispatchError
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassTransient
}

func IsPermanent(err error) bool {
	return err != nil && Classify(err) == ClassPermanent
}

func IsTransient(err error) bool {
	return err != nil && Classify(err) == ClassTransient
}

// IsRateLimited reports whether err carries a 429 status or a rate-limit
// marker in its message.
func IsRateLimited(err error) bool {
	if err == nil {
		return false
	}
	var de *DispatchError
	if errors.As(err, &de) {
		if de.RateLimited || de.Status == http.StatusTooManyRequests {
			return true
		}
	}
	return hasRateLimitMarker(err.Error())
}

// IsTimeout reports network and context deadline errors.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

var rateLimitMarkers = []string{
	"rate limit",
	"rate_limit",
	"ratelimit",
	"too many requests",
	"quota",
}

func rateLimitSignal(status int, err error) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return err != nil && hasRateLimitMarker(err.Error())
}

func hasRateLimitMarker(msg string) bool {
	msg = strings.ToLower(msg)
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
