package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	SyncErrorBadInput     = "SYNC_BAD_INPUT"
	SyncErrorUnauthorized = "SYNC_UNAUTHORIZED"
	SyncErrorNotFound     = "SYNC_NOT_FOUND"
	SyncErrorConflict     = "SYNC_CONFLICT"
	SyncErrorLeaseLost    = "SYNC_LEASE_LOST"
	SyncErrorCircuitOpen  = "SYNC_CIRCUIT_OPEN"
	SyncErrorRateLimited  = "SYNC_RATE_LIMITED"
	SyncErrorTransient    = "SYNC_TRANSIENT"
	SyncErrorPermanent    = "SYNC_PERMANENT"
	SyncErrorInternal     = "SYNC_INTERNAL_ERROR"
)

var (
	ErrNotFound  = errors.New("core: record not found")
	ErrLeaseLost = errors.New("core: task lease lost")
	ErrClaimLost = errors.New("core: outbox claim lost")
	ErrLockHeld  = errors.New("core: entity lock already held")
)

type ErrorClass string

const (
	ErrorClassNone      ErrorClass = ""
	ErrorClassTransient ErrorClass = "transient"
	ErrorClassPermanent ErrorClass = "permanent"
)

// RetryClassifier lets an error declare its own retry class.
type RetryClassifier interface {
	RetryClass() ErrorClass
}

type TransientError struct {
	Op         string
	Err        error
	RetryAfter time.Duration
}

func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: strings.TrimSpace(op), Err: err}
}

func (e *TransientError) Error() string {
	return formatOpError("transient", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) RetryClass() ErrorClass { return ErrorClassTransient }

type PermanentError struct {
	Op  string
	Err error
}

func Permanent(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Op: strings.TrimSpace(op), Err: err}
}

func (e *PermanentError) Error() string {
	return formatOpError("permanent", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func (e *PermanentError) RetryClass() ErrorClass { return ErrorClassPermanent }

// CircuitOpenError is the synthetic failure returned while a breaker rejects calls.
type CircuitOpenError struct {
	Target     string
	Status     BreakerStatus
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("core: circuit %s for target %q, retry after %s", e.Status, e.Target, e.RetryAfter)
}

func (e *CircuitOpenError) RetryClass() ErrorClass { return ErrorClassTransient }

func (e *CircuitOpenError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"target": strings.TrimSpace(e.Target),
		"status": string(e.Status),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryExternal).
		WithCode(http.StatusServiceUnavailable).
		WithTextCode(SyncErrorCircuitOpen).
		WithMetadata(metadata)
}

// HTTPStatusError carries a remote response status for classification.
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPStatusError) Error() string {
	msg := fmt.Sprintf("remote returned status %d", e.StatusCode)
	if body := strings.TrimSpace(e.Body); body != "" {
		msg += ": " + body
	}
	if op := strings.TrimSpace(e.Op); op != "" {
		return op + ": " + msg
	}
	return msg
}

func (e *HTTPStatusError) RetryClass() ErrorClass {
	return ClassifyStatus(e.StatusCode)
}

// ClassifyStatus maps an HTTP-like status code onto the retry taxonomy.
func ClassifyStatus(code int) ErrorClass {
	switch {
	case code <= 0:
		return ErrorClassTransient
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return ErrorClassTransient
	case code >= 400 && code < 500:
		return ErrorClassPermanent
	case code >= 500:
		return ErrorClassTransient
	default:
		return ErrorClassNone
	}
}

// ClassifyError decides whether err may be retried. Unknown errors are transient.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	var classifier RetryClassifier
	if errors.As(err, &classifier) {
		if class := classifier.RetryClass(); class != ErrorClassNone {
			return class
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorClassTransient
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return classifyCategory(richErr)
	}
	return ErrorClassTransient
}

func classifyCategory(err *goerrors.Error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	if err.Code > 0 {
		if class := ClassifyStatus(err.Code); class != ErrorClassNone {
			return class
		}
	}
	switch err.Category {
	case goerrors.CategoryBadInput,
		goerrors.CategoryValidation,
		goerrors.CategoryNotFound,
		goerrors.CategoryAuth,
		goerrors.CategoryAuthz,
		goerrors.CategoryConflict:
		return ErrorClassPermanent
	default:
		return ErrorClassTransient
	}
}

// CountsAsBreakerFailure reports whether err is evidence the remote is unhealthy.
// Local throttling, open-circuit rejections, caller cancellation and permanent
// errors are not.
func CountsAsBreakerFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var open *CircuitOpenError
	if errors.As(err, &open) {
		return false
	}
	var throttled interface{ Throttled() bool }
	if errors.As(err, &throttled) && throttled.Throttled() {
		return false
	}
	return ClassifyError(err) != ErrorClassPermanent
}

func formatOpError(class string, op string, err error) string {
	msg := class + " failure"
	if err != nil {
		msg = err.Error()
	}
	if op = strings.TrimSpace(op); op != "" {
		return op + ": " + msg
	}
	return msg
}

// MapError turns any error into the go-errors envelope used at the edges.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureSyncErrorEnvelope(richErr)
	}
	var serviceErr interface{ ToServiceError() *goerrors.Error }
	if errors.As(err, &serviceErr) {
		return ensureSyncErrorEnvelope(serviceErr.ToServiceError())
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return newSyncError(err.Error(), goerrors.CategoryNotFound, SyncErrorNotFound)
	case errors.Is(err, ErrLeaseLost), errors.Is(err, ErrClaimLost):
		return newSyncError(err.Error(), goerrors.CategoryConflict, SyncErrorLeaseLost)
	case errors.Is(err, ErrLockHeld):
		return newSyncError(err.Error(), goerrors.CategoryConflict, SyncErrorConflict)
	}

	var permanent *PermanentError
	if errors.As(err, &permanent) {
		return newSyncError(err.Error(), goerrors.CategoryBadInput, SyncErrorPermanent)
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return newSyncError(err.Error(), goerrors.CategoryExternal, SyncErrorTransient)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newSyncError(err.Error(), goerrors.CategoryRateLimit, SyncErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newSyncError(err.Error(), goerrors.CategoryBadInput, SyncErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureSyncErrorEnvelope(mapped)
}

func newSyncError(message string, category goerrors.Category, textCode string) *goerrors.Error {
	return ensureSyncErrorEnvelope(goerrors.New(message, category).WithTextCode(textCode))
}

func ensureSyncErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = syncHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultSyncTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultSyncTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return SyncErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return SyncErrorUnauthorized
	case goerrors.CategoryNotFound:
		return SyncErrorNotFound
	case goerrors.CategoryConflict:
		return SyncErrorConflict
	case goerrors.CategoryRateLimit:
		return SyncErrorRateLimited
	case goerrors.CategoryExternal:
		return SyncErrorTransient
	default:
		return SyncErrorInternal
	}
}

func syncHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ValidationError builds a field-level bad input error.
func ValidationError(field string, message string) error {
	return goerrors.NewValidation("core: validation failed", goerrors.FieldError{
		Field:   field,
		Message: message,
	}).
		WithCode(http.StatusBadRequest).
		WithTextCode(SyncErrorBadInput).
		WithSeverity(goerrors.SeverityError)
}

// NotFoundError wraps ErrNotFound with the go-errors envelope.
func NotFoundError(resource string, id string) error {
	return &notFoundError{resource: strings.TrimSpace(resource), id: strings.TrimSpace(id)}
}

type notFoundError struct {
	resource string
	id       string
}

func (e *notFoundError) Error() string {
	return fmt.Sprintf("core: %s %q not found", e.resource, e.id)
}

func (e *notFoundError) Unwrap() error { return ErrNotFound }

func (e *notFoundError) RetryClass() ErrorClass { return ErrorClassPermanent }

func (e *notFoundError) ToServiceError() *goerrors.Error {
	return goerrors.New(e.Error(), goerrors.CategoryNotFound).
		WithCode(http.StatusNotFound).
		WithTextCode(SyncErrorNotFound).
		WithMetadata(map[string]any{"resource": e.resource, "id": e.id})
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}

// JoinErrors folds next into existing, keeping the first error unwrappable.
func JoinErrors(existing error, next error) error {
	return joinErrors(existing, next)
}

var ErrResolved = errors.New("core: dead letter already resolved")

// ErrDeadLetterResolved reports a replay or archive of an entry that already
// left the active set.
func ErrDeadLetterResolved(id string) error {
	return goerrors.Wrap(
		fmt.Errorf("%w: %q", ErrResolved, strings.TrimSpace(id)),
		goerrors.CategoryConflict,
		"dead letter entry already resolved",
	).WithCode(http.StatusConflict).WithTextCode(SyncErrorConflict)
}
