package syncpipe

import (
	"fmt"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/providers/shopify"
	"github.com/goliatone/go-syncpipe/transport"
)

// ShopifySource is the webhook source name Shopify deliveries arrive under.
const ShopifySource = shopify.SourceName

func ShopifyRemoteClient(cfg shopify.Config, doer transport.HTTPDoer) (core.RemoteClient, error) {
	return shopify.NewClient(cfg, doer)
}

// ShopifyOptions wires the Shopify remote client and topic translator into a
// pipeline. Bindings default to shopify.DefaultTopics.
func ShopifyOptions(cfg shopify.Config, doer transport.HTTPDoer, bindings ...shopify.TopicBinding) ([]Option, error) {
	client, err := shopify.NewClient(cfg, doer)
	if err != nil {
		return nil, err
	}
	translator, err := shopify.NewTranslator(bindings...)
	if err != nil {
		return nil, err
	}
	return []Option{WithRemoteClient(client), WithTranslator(translator)}, nil
}

// WebhookHandler returns the HTTP ingress for p with Shopify registered
// under ShopifySource.
func (p *Pipeline) WebhookHandler(shopifyWebhook shopify.WebhookConfig) (*transport.WebhookHandler, error) {
	if p == nil {
		return nil, fmt.Errorf("syncpipe: pipeline is nil")
	}
	handler := transport.NewWebhookHandler(p, p.config.Inbox.MaxPayloadBytes)
	handler.Observer = p.observer
	if p.now != nil {
		handler.Now = p.now
	}
	if shopifyWebhook.Now == nil && p.now != nil {
		shopifyWebhook.Now = p.now
	}
	if err := handler.RegisterSource(ShopifySource, shopify.SourceConfig(shopifyWebhook)); err != nil {
		return nil, err
	}
	return handler, nil
}
