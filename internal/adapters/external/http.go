package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/okian/intake/pkg/metrics"
)

const (
	defaultCallTimeout = 10 * time.Second
	maxErrorBody       = 64 << 10
)

// Error messages the store uses when it refuses a whole request because of
// one field. The first capture group is the field id.
var (
	unknownFieldPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Column '([^']+)' does not exist`),
		regexp.MustCompile(`Field '([^']+)' is not recognized`),
	}
	typeMismatchPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[Ii]nvalid value for (?:field|column) '([^']+)'`),
		regexp.MustCompile(`Field '([^']+)' expects (?:a|an) [A-Za-z]+ value`),
	}
)

// HTTPClient writes list items over the store's JSON API.
type HTTPClient struct {
	base    *url.URL
	list    string
	token   string
	client  *http.Client
	timeout time.Duration
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets a bearer token sent on every call.
func WithToken(token string) Option {
	return func(c *HTTPClient) { c.token = token }
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) {
		if hc != nil {
			c.client = hc
		}
	}
}

// WithCallTimeout bounds each write. A timeout is reported as ErrTransient.
func WithCallTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewHTTPClient returns a client for list on the store at baseURL.
func NewHTTPClient(baseURL, list string, opts ...Option) (*HTTPClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid base url %q", ErrPermanent, baseURL)
	}
	if list == "" {
		return nil, fmt.Errorf("%w: list name is required", ErrPermanent)
	}
	c := &HTTPClient{
		base:    u,
		list:    list,
		client:  &http.Client{},
		timeout: defaultCallTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type writeRequest struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Write upserts the item identified by key.
func (c *HTTPClient) Write(ctx context.Context, key string, fields map[string]any) (WriteResult, error) {
	body, err := json.Marshal(writeRequest{Key: key, Fields: fields})
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: encode request: %v", ErrPermanent, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.base.JoinPath("lists", c.list, "items")
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return WriteResult{}, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	metrics.RecordExternalCallLatency(float64(time.Since(start).Milliseconds()))
	if err != nil {
		metrics.RecordExternalCallError("transient")
		return WriteResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	res, err := c.decode(resp)
	if err != nil {
		metrics.RecordExternalCallError(errorKind(err))
	}
	return res, err
}

func (c *HTTPClient) decode(resp *http.Response) (WriteResult, error) {
	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var res WriteResult
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			// the write happened but we cannot tell what was kept; retrying is safe
			return WriteResult{}, fmt.Errorf("%w: decode response: %v", ErrTransient, err)
		}
		return res, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
		return WriteResult{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized ||
		resp.StatusCode == http.StatusForbidden ||
		resp.StatusCode == http.StatusNotFound:
		msg := readErrorMessage(resp.Body)
		return WriteResult{}, fmt.Errorf("%w: status %d: %s", ErrPermanent, resp.StatusCode, msg)
	case resp.StatusCode >= 400:
		msg := readErrorMessage(resp.Body)
		if rej, ok := parseRejection(msg); ok {
			return WriteResult{Rejected: []Rejection{rej}}, nil
		}
		return WriteResult{}, fmt.Errorf("%w: status %d: %s", ErrRequestRejected, resp.StatusCode, msg)
	default:
		return WriteResult{}, fmt.Errorf("%w: unexpected status %d", ErrPermanent, resp.StatusCode)
	}
}

func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	var env errorEnvelope
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		return env.Error.Message
	}
	return string(bytes.TrimSpace(raw))
}

func parseRejection(msg string) (Rejection, bool) {
	for _, re := range unknownFieldPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			return Rejection{Field: m[1], Reason: ReasonUnknownField, Message: msg}, true
		}
	}
	for _, re := range typeMismatchPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			return Rejection{Field: m[1], Reason: ReasonTypeMismatch, Message: msg}, true
		}
	}
	return Rejection{}, false
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrRequestRejected):
		return "request_rejected"
	case errors.Is(err, ErrPermanent):
		return "permanent"
	default:
		return "unknown"
	}
}
