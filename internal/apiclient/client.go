// Package apiclient is a typed client for the Tavola REST API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tavola-pos/tavola/internal/platform/httpx"
	"github.com/tavola-pos/tavola/internal/shared"
)

const maxErrorBody = 64 << 10

// APIError is a non-2xx response decoded from its problem details body.
type APIError struct {
	Status     int
	Title      string
	Detail     string
	Extensions map[string]any
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message())
}

// Message is the text shown to staff: the detail, else the title, else the
// HTTP status text.
func (e *APIError) Message() string {
	if d := strings.TrimSpace(e.Detail); d != "" {
		return d
	}
	if t := strings.TrimSpace(e.Title); t != "" {
		return t
	}
	if text := http.StatusText(e.Status); text != "" {
		return text
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// IsConflict reports a 409.
func (e *APIError) IsConflict() bool { return e.Status == http.StatusConflict }

// IsNotFound reports a 404.
func (e *APIError) IsNotFound() bool { return e.Status == http.StatusNotFound }

// AsAPIError unwraps err into an *APIError.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// Client talks to one API base URL such as http://host:8080/api/v1.
type Client struct {
	base  *url.URL
	http  *http.Client
	actor string
	agent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithActor sends the actor header on every request.
func WithActor(actor string) Option {
	return func(c *Client) { c.actor = actor }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(agent string) Option {
	return func(c *Client) { c.agent = agent }
}

// New parses baseURL and builds a Client.
func New(baseURL string, opts ...Option) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("apiclient: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("apiclient: invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("apiclient: unsupported scheme %q", base.Scheme)
	}
	c := &Client{
		base:  base,
		http:  &http.Client{Timeout: 15 * time.Second},
		agent: "tavola-client/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("apiclient: encode body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, query), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, "+httpx.ContentTypeProblem)
	req.Header.Set("User-Agent", c.agent)
	if c.actor != "" {
		req.Header.Set(shared.ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("apiclient: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if w, ok := out.(io.Writer); ok {
		_, err = io.Copy(w, resp.Body)
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	switch mediaType {
	case httpx.ContentTypeProblem, "application/json":
		var problem httpx.ProblemDetail
		if json.Unmarshal(raw, &problem) == nil {
			apiErr.Title = problem.Title
			apiErr.Detail = problem.Detail
			apiErr.Extensions = problem.Extensions
		}
	default:
		apiErr.Detail = strings.TrimSpace(string(raw))
	}
	return apiErr
}
