// Package shopify adapts a Shopify store to the pipeline: a topic translator
// for admin webhooks, a verifier preset for the webhook ingress and a REST
// remote client for reconciliation and confirmation pushes.
package shopify

const SourceName = "shopify"
