package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind is the failure taxonomy every transport error maps to.
type ErrorKind int

const (
	KindTransient   ErrorKind = iota // timeouts, resets, 5xx: retry, no cooldown
	KindRateLimited                  // 429 / resource exhausted: retry, provider cooldown
	KindMalformed                    // empty or unparsable response: soft failure
	KindFatal                        // auth or request errors: never retry
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindMalformed:
		return "malformed"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is returned by every transport on failure.
type Error struct {
	Kind       ErrorKind
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return "transport error"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

var throttlePatterns = []string{
	"rate limit",
	"too many requests",
	"resource exhausted",
	"resource_exhausted",
	"quota",
	"429",
}

var fatalPatterns = []string{
	"unauthorized",
	"forbidden",
	"invalid api key",
	"permission denied",
	"401",
	"403",
}

// Classify determines the failure kind of an arbitrary error. Typed errors
// win; gRPC status codes come next; message patterns are the fallback.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}

	var terr *Error
	if errors.As(err, &terr) {
		return terr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTransient
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return kindFromCode(st.Code())
	}

	s := strings.ToLower(err.Error())
	for _, p := range throttlePatterns {
		if strings.Contains(s, p) {
			return KindRateLimited
		}
	}
	for _, p := range fatalPatterns {
		if strings.Contains(s, p) {
			return KindFatal
		}
	}

	return KindTransient
}

// RetryAfter returns the provider-supplied retry delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var terr *Error
	if errors.As(err, &terr) {
		return terr.RetryAfter
	}
	if st, ok := status.FromError(err); ok {
		return retryInfoDelay(st)
	}
	return 0
}

func kindFromStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusRequestTimeout:
		return KindTransient
	case code >= 500:
		return KindTransient
	case code >= 400:
		return KindFatal
	default:
		return KindMalformed
	}
}

func kindFromCode(code codes.Code) ErrorKind {
	switch code {
	case codes.ResourceExhausted:
		return KindRateLimited
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted,
		codes.Internal, codes.Canceled, codes.Unknown:
		return KindTransient
	case codes.DataLoss:
		return KindMalformed
	default:
		// Unauthenticated, PermissionDenied, InvalidArgument, NotFound,
		// FailedPrecondition, Unimplemented, OutOfRange, AlreadyExists
		return KindFatal
	}
}

func retryInfoDelay(st *status.Status) time.Duration {
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok && ri.GetRetryDelay() != nil {
			return ri.GetRetryDelay().AsDuration()
		}
	}
	return 0
}

// parseRetryAfter reads a Retry-After header: delay seconds or an HTTP date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	if ms := h.Get("Retry-After-Ms"); ms != "" {
		if v, err := strconv.ParseFloat(ms, 64); err == nil && v > 0 {
			return time.Duration(v * float64(time.Millisecond))
		}
	}

	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func statusError(provider string, code int, body []byte, retryAfter time.Duration) *Error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	kind := kindFromStatus(code)
	// Some providers answer quota exhaustion with 403 or 5xx; trust the body.
	if kind != KindRateLimited && code != http.StatusUnauthorized {
		lower := strings.ToLower(msg)
		for _, p := range throttlePatterns[:5] {
			if strings.Contains(lower, p) {
				kind = KindRateLimited
				break
			}
		}
	}
	return &Error{
		Kind:       kind,
		Provider:   provider,
		StatusCode: code,
		RetryAfter: retryAfter,
		Message:    msg,
	}
}

func transientError(provider string, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Message: err.Error(), Err: err}
}

func malformedError(provider, msg string) *Error {
	return &Error{Kind: KindMalformed, Provider: provider, Message: msg}
}
