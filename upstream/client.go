// Package upstream fetches records and JSON resources from the insurance
// platform's remote REST API.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/wolfeidau/policy-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// MaxBodySize caps a response body. It stays below the URL cache's
	// decoded entry limit so every fetched payload can be stored.
	MaxBodySize = 8 << 20

	// maxErrorBody caps how much of a failed response is kept for the error message.
	maxErrorBody = 512
)

var (
	// ErrNetwork is returned for transport failures, unexpected status codes
	// and bodies that are not valid JSON.
	ErrNetwork = errors.New("upstream: network error")

	// ErrNotFound is returned when the API answers 404.
	ErrNotFound = errors.New("upstream: not found")

	// ErrOutsideBase is returned by ResolveRelative for references that
	// leave the API base URL.
	ErrOutsideBase = errors.New("upstream: reference outside api base")
)

// StatusError describes a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.StatusCode, e.Body)
}

// Client talks to the remote API.
type Client struct {
	baseURL     *url.URL
	token       string
	recordsPath string
	client      *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token sent with every request.
func WithBearerToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRecordsPath sets the gjson path of the record array inside collection
// responses, for APIs that wrap lists (e.g. {"data":[...]}). Empty means the
// body itself is the array.
func WithRecordsPath(path string) Option {
	return func(c *Client) {
		c.recordsPath = path
	}
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", baseURL)
	}

	c := &Client{
		baseURL: parsed,
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "api"),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// Resolve turns a path or URL into an absolute URL against the base URL.
// Leading slashes are treated as relative to the base path so "/policies"
// under "https://api/v1" becomes "https://api/v1/policies".
func (c *Client) Resolve(ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", ref, err)
	}
	if parsed.IsAbs() {
		return parsed.String(), nil
	}
	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	return c.baseURL.ResolveReference(parsed).String(), nil
}

// ResolveRelative is Resolve restricted to references below the base URL.
// Absolute URLs, network-path references ("//host/...") and dot segments
// that climb out of the base path fail with ErrOutsideBase.
func (c *Client) ResolveRelative(ref string) (string, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: parsing url %q: %w", ErrOutsideBase, ref, err)
	}
	if parsed.Scheme != "" || parsed.Host != "" || parsed.User != nil || strings.HasPrefix(ref, "//") {
		return "", fmt.Errorf("%w: %q", ErrOutsideBase, ref)
	}

	parsed.Path = strings.TrimPrefix(parsed.Path, "/")
	resolved := c.baseURL.ResolveReference(parsed)
	if resolved.Scheme != c.baseURL.Scheme ||
		!strings.EqualFold(resolved.Host, c.baseURL.Host) ||
		!strings.HasPrefix(path.Clean("/"+resolved.Path)+"/", c.baseURL.Path) {
		return "", fmt.Errorf("%w: %q", ErrOutsideBase, ref)
	}
	return resolved.String(), nil
}

// FetchCollection fetches a list endpoint and returns each element of the
// record array as raw JSON, in the order the API returned them.
func (c *Client) FetchCollection(ctx context.Context, path string) ([]json.RawMessage, error) {
	body, err := c.FetchJSON(ctx, path)
	if err != nil {
		return nil, err
	}

	list := gjson.ParseBytes(body)
	if c.recordsPath != "" {
		list = list.Get(c.recordsPath)
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("%w: %s: expected a JSON array of records", ErrNetwork, path)
	}

	elems := list.Array()
	records := make([]json.RawMessage, 0, len(elems))
	for _, elem := range elems {
		records = append(records, json.RawMessage(elem.Raw))
	}
	return records, nil
}

// FetchJSON fetches any JSON resource. ref may be absolute or relative to
// the base URL. The body must be valid JSON.
func (c *Client) FetchJSON(ctx context.Context, ref string) (json.RawMessage, error) {
	target, err := c.Resolve(ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrNetwork, err)
	}
	req.Header.Set("Accept", "application/json")
	c.setAuth(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: performing request: %w", ErrNetwork, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %w: %s", ErrNetwork, ErrNotFound, target)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: %w", ErrNetwork, &StatusError{StatusCode: resp.StatusCode, Body: string(body)})
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrNetwork, err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %s: response exceeds %d bytes", ErrNetwork, target, MaxBodySize)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s: response is not valid JSON", ErrNetwork, target)
	}

	return body, nil
}

// setAuth sets the Authorization header if a token is configured.
// The token is only sent to the API host, never to absolute URLs elsewhere.
func (c *Client) setAuth(req *http.Request) {
	if c.token == "" {
		return
	}
	if !strings.EqualFold(req.URL.Host, c.baseURL.Host) {
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
}
