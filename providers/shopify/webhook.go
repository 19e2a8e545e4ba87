package shopify

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/transport"
)

const (
	HeaderHMAC       = "X-Shopify-Hmac-Sha256"
	HeaderWebhookID  = "X-Shopify-Webhook-Id"
	HeaderTopic      = "X-Shopify-Topic"
	HeaderShopDomain = "X-Shopify-Shop-Domain"
	HeaderTriggered  = "X-Shopify-Triggered-At"
)

const defaultWebhookReplayWindow = 5 * time.Minute

type WebhookConfig struct {
	Secret             string
	ReplayWindow       time.Duration
	Now                func() time.Time
	RequireTriggeredAt bool
	// ShopDomain pins deliveries to one shop when set.
	ShopDomain string
}

func DefaultWebhookConfig(secret string) WebhookConfig {
	return WebhookConfig{
		Secret:       strings.TrimSpace(secret),
		ReplayWindow: defaultWebhookReplayWindow,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// SourceConfig is the ingress registration for Shopify deliveries. The
// webhook id header doubles as the idempotency key.
func SourceConfig(cfg WebhookConfig) transport.SourceConfig {
	return transport.SourceConfig{
		Verifier:          NewVerifier(cfg),
		TopicHeader:       HeaderTopic,
		IdempotencyHeader: HeaderWebhookID,
		SignatureHeader:   HeaderHMAC,
	}
}

func NewVerifier(cfg WebhookConfig) Verifier {
	return Verifier{
		Secret:             strings.TrimSpace(cfg.Secret),
		ReplayWindow:       cfg.ReplayWindow,
		Now:                cfg.Now,
		RequireTriggeredAt: cfg.RequireTriggeredAt,
		ShopDomain:         normalizeShopDomain(cfg.ShopDomain),
	}
}

// Verifier checks the body HMAC, requires a delivery id and rejects
// deliveries triggered outside the replay window.
type Verifier struct {
	Secret             string
	ReplayWindow       time.Duration
	Now                func() time.Time
	RequireTriggeredAt bool
	ShopDomain         string
}

func (v Verifier) Verify(ctx context.Context, req transport.WebhookRequest) error {
	sigVerifier := transport.HeaderHMACVerifier{
		Header:   HeaderHMAC,
		Secret:   strings.TrimSpace(v.Secret),
		Encoding: "base64",
	}
	if err := sigVerifier.Verify(ctx, req); err != nil {
		return err
	}

	if strings.TrimSpace(req.Header(HeaderWebhookID)) == "" {
		return rejected(fmt.Sprintf("providers/shopify: %s header is required for dedupe", HeaderWebhookID))
	}
	if v.ShopDomain != "" && normalizeShopDomain(req.Header(HeaderShopDomain)) != v.ShopDomain {
		return rejected("providers/shopify: delivery is for a different shop")
	}

	triggered := strings.TrimSpace(req.Header(HeaderTriggered))
	if triggered == "" {
		if v.RequireTriggeredAt {
			return rejected(fmt.Sprintf("providers/shopify: %s header is required", HeaderTriggered))
		}
		return nil
	}
	triggeredAt, err := time.Parse(time.RFC3339Nano, triggered)
	if err != nil {
		return rejected(fmt.Sprintf("providers/shopify: parse %s: %v", HeaderTriggered, err))
	}

	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now().UTC()
	}
	window := v.ReplayWindow
	if window <= 0 {
		window = defaultWebhookReplayWindow
	}
	delta := now.Sub(triggeredAt.UTC())
	if delta < 0 {
		delta = -delta
	}
	if delta > window {
		return rejected("providers/shopify: webhook trigger time outside replay window")
	}
	return nil
}

func rejected(message string) error {
	return goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(core.SyncErrorUnauthorized)
}

func normalizeShopDomain(domain string) string {
	domain = strings.TrimSpace(strings.ToLower(domain))
	domain = strings.TrimPrefix(domain, "https://")
	domain = strings.TrimPrefix(domain, "http://")
	return strings.TrimSuffix(domain, "/")
}

var _ transport.Verifier = Verifier{}
