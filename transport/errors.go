package transport

import (
	"encoding/json"
	"fmt"
	"net/http"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-syncpipe/core"
)

func transportError(
	message string,
	category goerrors.Category,
	code int,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	metadata map[string]any,
) error {
	if source == nil {
		return transportError(message, category, code, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(transportTextCode(category))
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func transportTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return core.SyncErrorBadInput
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return core.SyncErrorUnauthorized
	case goerrors.CategoryRateLimit:
		return core.SyncErrorRateLimited
	case goerrors.CategoryExternal:
		return core.SyncErrorTransient
	default:
		return core.SyncErrorInternal
	}
}

type errorBody struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Message  string         `json:"message"`
	Category string         `json:"category"`
	Code     int            `json:"code"`
	TextCode string         `json:"text_code"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// WriteError renders err as the JSON error envelope.
func WriteError(w http.ResponseWriter, err error) {
	mapped := core.MapError(err)
	if mapped == nil {
		mapped = core.MapError(transportError("transport: unknown error", goerrors.CategoryInternal, http.StatusInternalServerError, nil))
	}
	status := mapped.Code
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorBody{Error: errorPayload{
		Message:  mapped.Message,
		Category: fmt.Sprint(mapped.Category),
		Code:     status,
		TextCode: mapped.TextCode,
		Metadata: mapped.Metadata,
	}})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
