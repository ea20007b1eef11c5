package fetch

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Zhalslar/api-aggregator/pkg/domain"
)

// SiteResolver finds the site vesting a full entry URL, nil when none matches
type SiteResolver interface {
	ResolveSite(fullURL string) *domain.SiteEntry
}

// Client issues HTTP GET requests for entries, resolving effective headers,
// auth keys and timeout from the matching site. One Client shares a single
// transport across all calls.
type Client struct {
	httpClient *http.Client
	sites      SiteResolver
	headers    map[string]string
	timeout    time.Duration
}

// NewClient creates a fetch client. defaultHeaders and timeout apply to
// entries matching no enabled site.
func NewClient(sites SiteResolver, defaultHeaders map[string]string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		httpClient: &http.Client{},
		sites:      sites,
		headers:    defaultHeaders,
		timeout:    timeout,
	}
}

// requestArgs merges site headers/keys, entry params and request-scoped
// overrides into the effective request arguments. Site keys go into both
// headers and query params.
func (c *Client) requestArgs(entry *domain.APIEntry) (headers, params map[string]string, timeout time.Duration) {
	var site *domain.SiteEntry
	if c.sites != nil {
		site = c.sites.ResolveSite(entry.URL)
	}

	headers = map[string]string{}
	if site != nil {
		for k, v := range site.Headers {
			headers[k] = v
		}
	} else {
		for k, v := range c.headers {
			headers[k] = v
		}
	}

	params = map[string]string{}
	for k, v := range entry.Params {
		params[k] = v
	}
	for k, v := range entry.Overrides {
		params[k] = v
	}

	timeout = c.timeout
	if site != nil {
		if site.Timeout > 0 {
			timeout = time.Duration(site.Timeout) * time.Second
		}
		for k, v := range site.Keys {
			headers[k] = v
			params[k] = v
		}
	}
	return headers, params, timeout
}

// request performs one GET and classifies the response by content type.
// All failures are captured in the result, never returned as errors.
func (c *Client) request(ctx context.Context, rawURL string, headers, params map[string]string, timeout time.Duration) *Result {
	result := &Result{}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reqURL, err := url.Parse(rawURL)
	if err != nil {
		result.Err = fmt.Sprintf("parse url %s: %v", rawURL, err)
		return result
	}
	if len(params) > 0 {
		q := reqURL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		reqURL.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), http.NoBody)
	if err != nil {
		result.Err = fmt.Sprintf("create request: %v", err)
		return result
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[WARN] request failed %s: %v", rawURL, err)
		result.Err = err.Error()
		return result
	}
	defer resp.Body.Close()

	result.Status = resp.StatusCode
	result.ContentType = strings.ToLower(resp.Header.Get("Content-Type"))
	result.FinalURL = resp.Request.URL.String()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Err = fmt.Sprintf("HTTP %d for %s", resp.StatusCode, rawURL)
		return result
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		result.Err = fmt.Sprintf("read body: %v", err)
		return result
	}

	switch {
	case strings.Contains(result.ContentType, "application/json"):
		result.Text = string(body)
	case strings.Contains(result.ContentType, "text/"):
		result.Text = strings.TrimSpace(string(body))
	default:
		result.Body = body
	}
	return result
}

// Fetch runs the full acquisition pipeline for an entry: request, nested
// JSON extraction, embedded-URL follow (the first URL resolving to a binary
// payload replaces the whole result), HTML reduction and validity check.
func (c *Client) Fetch(ctx context.Context, entry *domain.APIEntry) *Result {
	headers, params, timeout := c.requestArgs(entry)

	result := c.request(ctx, entry.URL, headers, params, timeout)
	if !result.OK() {
		return result
	}

	if entry.Parse != "" {
		result.ParseNested(entry.Parse)
	}

	for _, embedded := range result.ExtractURLs() {
		downloaded := c.request(ctx, embedded, headers, params, timeout)
		if downloaded.IsBinary() {
			return downloaded
		}
	}

	result.ExtractHTMLText()

	if !result.Valid() && result.Err == "" {
		result.Err = "invalid response"
	}
	return result
}

// Probe issues the raw request for an entry without any transformation,
// used by batch verification
func (c *Client) Probe(ctx context.Context, entry *domain.APIEntry) *Result {
	headers, params, timeout := c.requestArgs(entry)
	return c.request(ctx, entry.URL, headers, params, timeout)
}
