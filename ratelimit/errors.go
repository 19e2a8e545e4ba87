package ratelimit

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-syncpipe/core"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// ThrottledError is returned when a target exhausted its budget locally or
// the remote asked callers to back off.
type ThrottledError struct {
	Target     string
	RetryAfter time.Duration
}

func (e ThrottledError) Error() string {
	return fmt.Sprintf("ratelimit: target %q throttled for %s", strings.TrimSpace(e.Target), e.RetryAfter)
}

func (e ThrottledError) Throttled() bool { return true }

func (e ThrottledError) RetryAfterHint() time.Duration { return e.RetryAfter }

func (e ThrottledError) RetryClass() core.ErrorClass { return core.ErrorClassTransient }

func (e ThrottledError) ToServiceError() *goerrors.Error {
	metadata := map[string]any{
		"target": strings.TrimSpace(e.Target),
	}
	if e.RetryAfter > 0 {
		metadata["retry_after_ms"] = e.RetryAfter.Milliseconds()
	}
	return goerrors.New(e.Error(), goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(core.SyncErrorRateLimited).
		WithMetadata(metadata)
}
