package transport

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// WebhookRequest is the raw delivery handed to a Verifier.
type WebhookRequest struct {
	Source  string
	Headers map[string]string
	Body    []byte
}

func (r WebhookRequest) Header(key string) string {
	return headerValue(r.Headers, key)
}

type Verifier interface {
	Verify(ctx context.Context, req WebhookRequest) error
}

type VerifierFunc func(ctx context.Context, req WebhookRequest) error

func (f VerifierFunc) Verify(ctx context.Context, req WebhookRequest) error {
	return f(ctx, req)
}

// HeaderHMACVerifier checks an HMAC-SHA256 of the body carried in Header.
type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req WebhookRequest) error {
	header := strings.TrimSpace(req.Header(v.Header))
	if header == "" {
		return unauthorized("transport: "+strings.TrimSpace(v.Header)+" signature header is required", nil)
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return transportError("transport: signature secret is required", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return unauthorized("transport: signature value is required", nil)
	}

	expected := SignHMAC(secret, req.Body)
	var decoded []byte
	var err error
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return unauthorized("transport: decode signature", err)
	}
	if subtle.ConstantTimeCompare(decoded, expected) != 1 {
		return unauthorized("transport: signature verification failed", nil)
	}
	return nil
}

// HeaderTokenVerifier compares a shared token carried in Header.
type HeaderTokenVerifier struct {
	Header string
	Token  string
}

func (v HeaderTokenVerifier) Verify(_ context.Context, req WebhookRequest) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return transportError("transport: verification token is required", goerrors.CategoryInternal, http.StatusInternalServerError, nil)
	}
	actual := strings.TrimSpace(req.Header(v.Header))
	if actual == "" {
		return unauthorized("transport: "+strings.TrimSpace(v.Header)+" verification header is required", nil)
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return unauthorized("transport: verification token mismatch", nil)
	}
	return nil
}

// SignHMAC returns the raw HMAC-SHA256 of body under secret.
func SignHMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func unauthorized(message string, source error) error {
	return transportWrapError(source, goerrors.CategoryAuth, message, http.StatusUnauthorized, nil)
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
