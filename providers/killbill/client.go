// Package killbill is a client for the Kill Bill billing engine REST API.
package killbill

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/yairfalse/conductor/providers"
	"github.com/yairfalse/conductor/retrypolicy"
	"github.com/yairfalse/conductor/types"
)

// API paths, relative to the configured base URL
const (
	pathAccounts      = "accounts"
	pathCatalog       = "catalog"
	pathInvoices      = "invoices"
	pathSubscriptions = "subscriptions"
	pathUsages        = "usages"
	pathTestClock     = "test/clock"
)

const (
	contentJSON = "application/json"
	contentXML  = "application/xml"
	createdBy   = "conductor"

	// DefaultCurrency is used when none is configured
	DefaultCurrency = "USD"
)

// Config holds Kill Bill connection settings.
type Config struct {
	APIURL    string
	Username  string
	Password  string
	APIKey    string
	APISecret string
	Currency  string
	Timeout   time.Duration
	Version   string
}

// Client talks to one Kill Bill tenant.
type Client struct {
	baseURL   *url.URL
	cfg       Config
	http      *http.Client
	userAgent string
}

var _ providers.BillingClient = (*Client)(nil)

type requestIDKey struct{}

// ContextWithRequestID tags every request made with ctx with id
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// New creates a client. Missing url, api key or api secret fail fast.
func New(cfg Config, policy retrypolicy.Policy) (*Client, error) {
	switch {
	case cfg.APIURL == "":
		return nil, &types.ConfigurationError{Field: "billing.api_url", Reason: "missing billing credentials"}
	case cfg.APIKey == "":
		return nil, &types.ConfigurationError{Field: "billing.api_key", Reason: "missing billing credentials"}
	case cfg.APISecret == "":
		return nil, &types.ConfigurationError{Field: "billing.api_secret", Reason: "missing billing credentials"}
	}
	rawURL := cfg.APIURL
	if !strings.HasSuffix(rawURL, "/") {
		rawURL += "/"
	}
	baseURL, err := url.Parse(rawURL)
	if err != nil || !baseURL.IsAbs() {
		return nil, &types.ConfigurationError{Field: "billing.api_url", Reason: "must be an absolute url"}
	}
	if cfg.Currency == "" {
		cfg.Currency = DefaultCurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	return &Client{
		baseURL:   baseURL,
		cfg:       cfg,
		http:      policy.HTTPClient(cfg.Timeout),
		userAgent: "conductor/" + cfg.Version,
	}, nil
}

// Currency returns the billing currency
func (c *Client) Currency() string {
	return c.cfg.Currency
}

// CreateAccount registers a customer and returns the stored account
func (c *Client) CreateAccount(ctx context.Context, name, externalKey string) (*providers.Account, error) {
	body := map[string]string{
		"name":        name,
		"externalKey": externalKey,
		"currency":    c.cfg.Currency,
	}
	var account providers.Account
	if err := c.postJSON(ctx, pathAccounts, nil, body, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccount loads a customer with its balance
func (c *Client) GetAccount(ctx context.Context, accountID string) (*providers.Account, error) {
	query := url.Values{"accountWithBalance": {"true"}}
	data, _, err := c.do(ctx, http.MethodGet, pathAccounts+"/"+url.PathEscape(accountID), query, "", nil)
	if err != nil {
		return nil, err
	}
	var account providers.Account
	if err := decodeJSON(data, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// FindAccount looks a customer up by external key. A missing account is a
// BackendError with StatusCode 404.
func (c *Client) FindAccount(ctx context.Context, externalKey string) (*providers.Account, error) {
	query := url.Values{"externalKey": {externalKey}}
	data, _, err := c.do(ctx, http.MethodGet, pathAccounts, query, "", nil)
	if err != nil {
		return nil, err
	}
	var account providers.Account
	if err := decodeJSON(data, &account); err != nil {
		return nil, err
	}
	return &account, nil
}

// CreateSubscription opens a monthly standalone subscription on the default price list
func (c *Client) CreateSubscription(ctx context.Context, req providers.SubscriptionRequest) (*providers.Subscription, error) {
	body := map[string]string{
		"productName":     req.ProductName,
		"productCategory": "STANDALONE",
		"accountId":       req.AccountID,
		"externalKey":     req.ExternalKey,
		"billingPeriod":   "MONTHLY",
		"priceList":       "DEFAULT",
	}
	var sub providers.Subscription
	if err := c.postJSON(ctx, pathSubscriptions, nil, body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// DeleteSubscription cancels a subscription
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID string) error {
	_, _, err := c.do(ctx, http.MethodDelete, pathSubscriptions+"/"+url.PathEscape(subscriptionID), nil, contentJSON, nil)
	return err
}

// PushUsage records consumable usage for a subscription
func (c *Client) PushUsage(ctx context.Context, doc providers.UsageDocument) error {
	return c.postJSON(ctx, pathUsages, nil, doc, nil)
}

// PushCatalog uploads a full catalog document
func (c *Client) PushCatalog(ctx context.Context, document []byte) error {
	_, _, err := c.do(ctx, http.MethodPost, pathCatalog, nil, contentXML, document)
	return err
}

// DryRunInvoice computes the invoice an account would get on targetDate
func (c *Client) DryRunInvoice(ctx context.Context, accountID string, targetDate time.Time) (*providers.Invoice, error) {
	query := url.Values{
		"accountId":  {accountID},
		"targetDate": {targetDate.UTC().Format(types.DateLayout)},
	}
	data, _, err := c.do(ctx, http.MethodPost, pathInvoices+"/dryRun", query, contentJSON, nil)
	if err != nil {
		return nil, err
	}
	var invoice providers.Invoice
	if err := decodeJSON(data, &invoice); err != nil {
		return nil, err
	}
	return &invoice, nil
}

// SetClock moves the server test clock. Only test tenants accept it.
func (c *Client) SetClock(ctx context.Context, requested time.Time) error {
	query := url.Values{"requestedDate": {requested.UTC().Format(time.RFC3339)}}
	_, _, err := c.do(ctx, http.MethodPost, pathTestClock, query, contentJSON, nil)
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, query url.Values, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	data, _, err := c.do(ctx, http.MethodPost, path, query, contentJSON, payload)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return decodeJSON(data, out)
}

// do performs one request. A 201 with a Location header is followed by a GET
// of that location, whose body is returned instead.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, contentType string, body []byte) ([]byte, string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, "", &types.BackendError{Op: method + " " + path, Reason: err.Error(), Err: err}
	}
	target := c.baseURL.ResolveReference(ref)
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, "", &types.BackendError{Op: method + " " + path, Reason: err.Error(), Err: err}
	}
	c.setHeaders(ctx, req, contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", &types.BackendError{
			Op:     method + " " + path,
			Reason: "Request to Kill Bill backend failed: " + err.Error(),
			Err:    err,
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &types.BackendError{Op: method + " " + path, Reason: err.Error(), StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode == http.StatusCreated {
		if location := resp.Header.Get("Location"); location != "" {
			return c.do(ctx, http.MethodGet, location, nil, "", nil)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", responseError(method+" "+path, resp, data)
	}

	return data, mediaType(resp.Header.Get("Content-Type")), nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, contentType string) {
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", contentJSON)
	req.Header.Set("X-Killbill-ApiKey", c.cfg.APIKey)
	req.Header.Set("X-Killbill-ApiSecret", c.cfg.APISecret)

	if req.Method == http.MethodPost || req.Method == http.MethodDelete {
		if contentType == "" {
			contentType = contentJSON
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Killbill-CreatedBy", createdBy)
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		req.Header.Set("X-Request-Id", id)
	}
	if c.cfg.Username != "" || c.cfg.Password != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}
}


// responseError builds the BackendError for a non-2xx response. The reason is
// the JSON message field, else for a 500 the first line of an HTML pre
// block, else the status reason phrase.
func responseError(op string, resp *http.Response, body []byte) *types.BackendError {
	reason := reasonPhrase(resp)

	switch {
	case mediaType(resp.Header.Get("Content-Type")) == contentJSON:
		var payload struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
			reason = payload.Message
		}
	case resp.StatusCode == http.StatusInternalServerError:
		if text := preText(body); text != "" {
			reason = text
		}
	}

	return &types.BackendError{
		Op:         op,
		Reason:     fmt.Sprintf("%d. Request to Kill Bill backend failed: %s", resp.StatusCode, reason),
		StatusCode: resp.StatusCode,
	}
}

// preText returns the first non-blank line inside the first pre element
func preText(body []byte) string {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return ""
	}
	pre := findElement(doc, atom.Pre)
	if pre == nil {
		return ""
	}
	var text strings.Builder
	appendText(pre, &text)
	for _, line := range strings.Split(text.String(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return line
		}
	}
	return ""
}

func findElement(n *html.Node, tag atom.Atom) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func appendText(n *html.Node, b *strings.Builder) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		appendText(c, b)
	}
}

func reasonPhrase(resp *http.Response) string {
	if phrase := strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" "); phrase != "" && phrase != resp.Status {
		return phrase
	}
	return http.StatusText(resp.StatusCode)
}

func mediaType(header string) string {
	if i := strings.IndexByte(header, ';'); i >= 0 {
		header = header[:i]
	}
	return strings.TrimSpace(strings.ToLower(header))
}

func decodeJSON(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &types.BackendError{Op: "decode", Reason: "Incorrect response from Kill Bill backend: " + err.Error(), Err: err}
	}
	return nil
}
