package outbox

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/transport"
)

const (
	TopicHeader     = "X-Syncpipe-Topic"
	SignatureHeader = "X-Syncpipe-Signature"
	EventIDHeader   = "X-Syncpipe-Event-Id"
)

// Caller runs fn behind rate limiting and circuit breaking for target.
// core.OutboundGuard satisfies it.
type Caller interface {
	Call(ctx context.Context, target string, fn func(ctx context.Context) error) error
}

// HTTPSubscriber posts outbox events as JSON to a downstream endpoint. When
// Secret is set the body is signed with hex HMAC-SHA256.
type HTTPSubscriber struct {
	Client  *transport.RESTClient
	URL     string
	Secret  string
	Headers map[string]string
	Guard   Caller
	Target  string
}

func NewHTTPSubscriber(client *transport.RESTClient, url string, secret string) (*HTTPSubscriber, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("outbox: subscriber url is required")
	}
	if client == nil {
		client = transport.NewRESTClient(nil)
	}
	return &HTTPSubscriber{
		Client:  client,
		URL:     url,
		Secret:  secret,
		Headers: map[string]string{},
	}, nil
}

func (s *HTTPSubscriber) Deliver(ctx context.Context, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return core.Permanent("outbox: encode event", err)
	}
	headers := make(map[string]string, len(s.Headers)+3)
	for key, value := range s.Headers {
		headers[key] = value
	}
	headers["Content-Type"] = "application/json"
	headers[TopicHeader] = topic
	if id, ok := payload["outbox_id"].(string); ok && id != "" {
		headers[EventIDHeader] = id
	}
	if s.Secret != "" {
		headers[SignatureHeader] = hex.EncodeToString(transport.SignHMAC(s.Secret, body))
	}

	send := func(callCtx context.Context) error {
		_, err := s.Client.DoJSON(callCtx, transport.Request{
			Method:  http.MethodPost,
			URL:     s.URL,
			Headers: headers,
			Body:    body,
		}, nil, nil)
		return err
	}
	if s.Guard == nil {
		return send(ctx)
	}
	target := strings.TrimSpace(s.Target)
	if target == "" {
		target = "outbox:" + topic
	}
	return s.Guard.Call(ctx, target, send)
}

var _ core.Subscriber = (*HTTPSubscriber)(nil)
