// Package errs defines the canonical error type for the ingest pipeline and
// classifies errors for routing and retry decisions. It is the one place
// that inspects error shape for retryability.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
)

// Class categorizes errors for routing and retry logic.
type Class string

const (
	ClassConfig          Class = "CONFIG_ERROR"
	ClassParse           Class = "PARSE_ERROR"
	ClassValidation      Class = "VALIDATION_ERROR"
	ClassTransientRemote Class = "TRANSIENT_REMOTE_ERROR"
	ClassRemoteFailure   Class = "REMOTE_FAILURE"
	ClassDataIntegrity   Class = "DATA_INTEGRITY_VIOLATION"
)

// Error is the canonical error type across the pipeline.
type Error struct {
	ID        string
	Class     Class
	Op        string // the operation that failed, e.g. "sheets.values.update"
	Message   string
	Retryable bool
	Status    int           // HTTP-ish status when one applies, else 0
	RetryIn   time.Duration // server-indicated delay (Retry-After), else 0
	Err       error         // wrapped cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s: %v", e.Class, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error of the given class. Retryability follows the class:
// only transient remote errors retry.
func New(class Class, op, message string) *Error {
	return &Error{
		ID:        uuid.NewString(),
		Class:     class,
		Op:        op,
		Message:   message,
		Retryable: class == ClassTransientRemote,
	}
}

// Wrap creates an Error wrapping an underlying cause.
func Wrap(class Class, op, message string, err error) *Error {
	e := New(class, op, message)
	e.Err = err
	return e
}

// Config reports a missing or invalid configuration value. Aborts before I/O.
func Config(op, message string) *Error { return New(ClassConfig, op, message) }

// Validation reports an invariant violation in a parsed bundle.
func Validation(op, message string) *Error { return New(ClassValidation, op, message) }

// Integrity reports a suppressed master deletion that would orphan joins.
func Integrity(op, message string) *Error { return New(ClassDataIntegrity, op, message) }

// RemoteFailure marks a remote call that is not worth retrying (or whose
// retries are exhausted).
func RemoteFailure(op string, err error) *Error {
	return Wrap(ClassRemoteFailure, op, "remote call failed", err)
}

// HTTPStatus classifies a raw HTTP response status from a client that does
// not surface structured errors (plain net/http calls).
func HTTPStatus(op string, status int, header http.Header, cause error) *Error {
	if retryableStatus[status] {
		out := Wrap(ClassTransientRemote, op, "transient remote error", cause)
		out.Status = status
		out.RetryIn = retryAfterHeader(header)
		return out
	}
	out := RemoteFailure(op, cause)
	out.Status = status
	return out
}

// retryableStatus is the set of HTTP statuses treated as transient.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// throttleHints are message fragments remote APIs use for quota errors that
// arrive without a retryable status code.
var throttleHints = []string{"ratelimit", "rate limit", "userlimit", "user limit", "quota exceeded"}

// Classify wraps an arbitrary remote error as either a transient remote
// error (retryable, with any server-indicated delay attached) or a remote
// failure. Errors that are already *Error pass through unchanged.
func Classify(op string, err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	status, retryAfter := remoteStatus(err)
	if retryableStatus[status] || hasThrottleHint(err) {
		out := Wrap(ClassTransientRemote, op, "transient remote error", err)
		out.Status = status
		out.RetryIn = retryAfter
		return out
	}
	out := RemoteFailure(op, err)
	out.Status = status
	return out
}

// IsRetryable reports whether err should be retried by the RPC harness.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	status, _ := remoteStatus(err)
	return retryableStatus[status] || hasThrottleHint(err)
}

// RetryAfter returns the server-indicated delay for err, or 0.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryIn
	}
	_, d := remoteStatus(err)
	return d
}

// remoteStatus digs the HTTP status and Retry-After header out of the error
// shapes the pipeline's remote clients produce: googleapi.Error for the
// Docs/Drive/Sheets services and smithy response errors for S3.
func remoteStatus(err error) (int, time.Duration) {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code, retryAfterHeader(gerr.Header)
	}
	var rerr *smithyhttp.ResponseError
	if errors.As(err, &rerr) && rerr.Response != nil {
		return rerr.Response.StatusCode, retryAfterHeader(rerr.Response.Header)
	}
	var aerr smithy.APIError
	if errors.As(err, &aerr) {
		if aerr.ErrorFault() == smithy.FaultServer {
			return http.StatusInternalServerError, 0
		}
	}
	return 0, 0
}

func retryAfterHeader(h http.Header) time.Duration {
	if h == nil {
		return 0
	}
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func hasThrottleHint(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range throttleHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
