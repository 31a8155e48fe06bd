package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/okian/intake/internal/domain/model"
)

// ErrServer is returned for a non-2xx response from the intake server.
var ErrServer = errors.New("server error")

// StatusError is a non-2xx response with the server's error body.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("%v: status %d", ErrServer, e.StatusCode)
	}
	return fmt.Sprintf("%v: status %d: %s: %s", ErrServer, e.StatusCode, e.Code, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrServer }

// Client talks to the intake HTTP API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client with the given request timeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SubmitAck is the server's acknowledgement of a committed submission.
type SubmitAck struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Submit posts one raw intake document.
func (c *Client) Submit(ctx context.Context, raw []byte) (SubmitAck, error) {
	var ack SubmitAck
	err := c.do(ctx, http.MethodPost, "/submissions", bytes.NewReader(raw), &ack)
	return ack, err
}

// Get fetches a submission with its latest field records.
func (c *Client) Get(ctx context.Context, id string) (model.SubmissionDetail, error) {
	var d model.SubmissionDetail
	err := c.do(ctx, http.MethodGet, "/submissions/"+url.PathEscape(id), nil, &d)
	return d, err
}

// NeedsReview lists submissions awaiting review.
func (c *Client) NeedsReview(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	q := url.Values{"status": {string(model.ProjectionPartialNeedsReview)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var items []model.ReviewItem
	err := c.do(ctx, http.MethodGet, "/submissions?"+q.Encode(), nil, &items)
	return items, err
}

// ClearReview marks a submission as reconciled.
func (c *Client) ClearReview(ctx context.Context, id, note string) error {
	body, err := json.Marshal(map[string]string{"note": note})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/submissions/"+url.PathEscape(id)+"/review", bytes.NewReader(body), nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{StatusCode: resp.StatusCode}
		var e struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &e) == nil {
			se.Code, se.Message = e.Code, e.Message
		}
		return se
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
