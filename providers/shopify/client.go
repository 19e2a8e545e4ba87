package shopify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-syncpipe/core"
	"github.com/goliatone/go-syncpipe/transport"
)

const (
	DefaultAPIVersion = "2024-10"

	headerAccessToken = "X-Shopify-Access-Token"
	headerCallLimit   = "X-Shopify-Shop-Api-Call-Limit"
	headerAPIVersion  = "X-Shopify-Api-Version"

	defaultPageSize       = 50
	maxPageSize           = 250
	defaultRetryAfter429  = 2 * time.Second
	defaultRequestTimeout = 20 * time.Second
)

// Resource names the admin REST collection backing one entity kind.
type Resource struct {
	Path       string
	Collection string
	Member     string
	IDField    string
}

func DefaultResources() map[core.EntityKind]Resource {
	return map[core.EntityKind]Resource{
		core.EntityKindOrder:     {Path: "orders", Collection: "orders", Member: "order"},
		core.EntityKindCustomer:  {Path: "customers", Collection: "customers", Member: "customer"},
		core.EntityKindInventory: {Path: "inventory_items", Collection: "inventory_items", Member: "inventory_item"},
		core.EntityKindPricing:   {Path: "products", Collection: "products", Member: "product"},
		core.EntityKindInvoice:   {Path: "draft_orders", Collection: "draft_orders", Member: "draft_order"},
	}
}

type Config struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	// BaseURL overrides https://<ShopDomain>, mainly for tests.
	BaseURL   string
	PageSize  int
	Timeout   time.Duration
	Resources map[core.EntityKind]Resource
}

// Client implements core.RemoteClient over the Shopify admin REST API.
type Client struct {
	rest      *transport.RESTClient
	baseURL   string
	version   string
	pageSize  int
	timeout   time.Duration
	resources map[core.EntityKind]Resource
	Now       func() time.Time
}

func NewClient(cfg Config, doer transport.HTTPDoer) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		domain := normalizeShopDomain(cfg.ShopDomain)
		if domain == "" {
			return nil, fmt.Errorf("providers/shopify: shop domain is required")
		}
		base = "https://" + domain
	}
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("providers/shopify: access token is required")
	}
	version := strings.TrimSpace(cfg.APIVersion)
	if version == "" {
		version = DefaultAPIVersion
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	resources := DefaultResources()
	for kind, resource := range cfg.Resources {
		resources[kind.Normalize()] = resource
	}

	rest := transport.NewRESTClient(doer)
	rest.DefaultHeaders[headerAccessToken] = strings.TrimSpace(cfg.AccessToken)
	return &Client{
		rest:      rest,
		baseURL:   base,
		version:   version,
		pageSize:  pageSize,
		timeout:   timeout,
		resources: resources,
		Now:       time.Now,
	}, nil
}

// Fetch reads one page of kind. An empty cursor starts from the first page;
// NextCursor carries Shopify's page_info token.
func (c *Client) Fetch(ctx context.Context, kind core.EntityKind, cursor string) (core.RemotePage, error) {
	resource, err := c.resource(kind)
	if err != nil {
		return core.RemotePage{}, err
	}
	query := map[string]string{"limit": strconv.Itoa(c.pageSize)}
	if cursor = strings.TrimSpace(cursor); cursor != "" {
		query["page_info"] = cursor
	}

	var body map[string]json.RawMessage
	res, err := c.rest.DoJSON(ctx, transport.Request{
		Method:  http.MethodGet,
		URL:     c.endpoint(resource.Path + ".json"),
		Query:   query,
		Timeout: c.timeout,
	}, nil, &body)
	if err != nil {
		return core.RemotePage{}, c.classify(err)
	}

	items, err := decodeItems(body[resource.Collection], idField(resource))
	if err != nil {
		return core.RemotePage{}, core.Permanent("shopify.fetch", err)
	}
	return core.RemotePage{
		Items:      items,
		NextCursor: NextPageInfo(res.Headers.Get("Link")),
		Version:    snapshotVersion(res.Headers, c.now()),
	}, nil
}

// Push writes fields back to the member resource. The payload must carry
// external_id; the remaining keys become the member body.
func (c *Client) Push(ctx context.Context, kind core.EntityKind, payload map[string]any) (core.PushAck, error) {
	resource, err := c.resource(kind)
	if err != nil {
		return core.PushAck{}, err
	}
	member := core.CloneMap(payload)
	externalID := strings.TrimSpace(fmt.Sprint(member["external_id"]))
	delete(member, "external_id")
	if externalID == "" || externalID == "<nil>" {
		return core.PushAck{}, core.Permanent("shopify.push", core.ValidationError("external_id", "external id is required"))
	}
	member[idField(resource)] = externalID

	var body map[string]map[string]any
	res, err := c.rest.DoJSON(ctx, transport.Request{
		Method:  http.MethodPut,
		URL:     c.endpoint(resource.Path + "/" + url.PathEscape(externalID) + ".json"),
		Timeout: c.timeout,
	}, map[string]any{resource.Member: member}, &body)
	if err != nil {
		return core.PushAck{}, c.classify(err)
	}

	ack := core.PushAck{RemoteID: externalID, Metadata: map[string]any{}}
	if echoed, ok := body[resource.Member]; ok {
		if id := strings.TrimSpace(fmt.Sprint(echoed[idField(resource)])); id != "" && id != "<nil>" {
			ack.RemoteID = id
		}
	}
	if used, limit, ok := ParseCallLimit(res.Headers.Get(headerCallLimit)); ok {
		ack.Metadata["call_limit_used"] = used
		ack.Metadata["call_limit_max"] = limit
	}
	if version := strings.TrimSpace(res.Headers.Get(headerAPIVersion)); version != "" {
		ack.Metadata["api_version"] = version
	}
	return ack, nil
}

func (c *Client) resource(kind core.EntityKind) (Resource, error) {
	resource, ok := c.resources[kind.Normalize()]
	if !ok || strings.TrimSpace(resource.Path) == "" {
		return Resource{}, core.Permanent("shopify", fmt.Errorf("no resource mapped for entity kind %q", kind))
	}
	if resource.Collection == "" {
		resource.Collection = resource.Path
	}
	if resource.Member == "" {
		resource.Member = strings.TrimSuffix(resource.Collection, "s")
	}
	return resource, nil
}

func (c *Client) endpoint(path string) string {
	return c.baseURL + "/admin/api/" + c.version + "/" + strings.TrimLeft(path, "/")
}

// classify applies Shopify's default backoff to 429s that carry no
// Retry-After header.
func (c *Client) classify(err error) error {
	var statusErr *core.HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests && statusErr.RetryAfter <= 0 {
		statusErr.RetryAfter = defaultRetryAfter429
	}
	return err
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

func decodeItems(raw json.RawMessage, field string) ([]core.RemoteItem, error) {
	if len(raw) == 0 {
		return []core.RemoteItem{}, nil
	}
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.UseNumber()
	var rows []map[string]any
	if err := decoder.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	items := make([]core.RemoteItem, 0, len(rows))
	for _, row := range rows {
		id := ""
		switch typed := row[field].(type) {
		case json.Number:
			id = typed.String()
		case string:
			id = strings.TrimSpace(typed)
		}
		if id == "" {
			continue
		}
		items = append(items, core.RemoteItem{ExternalID: id, Fields: row})
	}
	return items, nil
}

func idField(resource Resource) string {
	if field := strings.TrimSpace(resource.IDField); field != "" {
		return field
	}
	return "id"
}

var linkNextPattern = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

// NextPageInfo extracts the page_info token of the rel="next" link.
func NextPageInfo(link string) string {
	match := linkNextPattern.FindStringSubmatch(link)
	if len(match) != 2 {
		return ""
	}
	parsed, err := url.Parse(match[1])
	if err != nil {
		return ""
	}
	return parsed.Query().Get("page_info")
}

// ParseCallLimit reads the "used/limit" leaky bucket header.
func ParseCallLimit(value string) (used int, limit int, ok bool) {
	parts := strings.Split(strings.TrimSpace(value), "/")
	if len(parts) != 2 {
		return 0, 0, false
	}
	used, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || used < 0 {
		return 0, 0, false
	}
	limit, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || limit <= 0 {
		return 0, 0, false
	}
	return used, limit, true
}

func snapshotVersion(headers http.Header, now time.Time) string {
	if requestID := strings.TrimSpace(headers.Get("X-Request-Id")); requestID != "" {
		return requestID
	}
	return now.Format(time.RFC3339Nano)
}

var _ core.RemoteClient = (*Client)(nil)
