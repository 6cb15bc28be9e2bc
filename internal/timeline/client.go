// Package timeline talks to the watch timeline pin API.
package timeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"torrent_pins/internal/pin"
)

// UserTokenHeader identifies the recipient of a pin.
const UserTokenHeader = "X-User-Token"

// Status classifies the result of a timeline call.
type Status int

// Possible outcomes of Send and Delete.
const (
	Success Status = iota
	// PermanentlyInvalid means the recipient no longer exists (410 Gone).
	PermanentlyInvalid
	// RateLimited means the API asked us to back off (429).
	RateLimited
	OtherFailure
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case PermanentlyInvalid:
		return "invalid"
	case RateLimited:
		return "rate_limited"
	default:
		return "failure"
	}
}

// Outcome is the result of a timeline call. Detail explains failures.
type Outcome struct {
	Status Status
	Detail string
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool {
	return o.Status == Success
}

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client sends and deletes user pins. It is safe for concurrent use and
// throttles all calls through a single limiter.
type Client struct {
	client  HTTPClient
	baseURL string
	timeout time.Duration
	limiter *rate.Limiter
}

// New creates a Client for the API rooted at baseURL allowing at most
// perSecond calls per second across all goroutines. timeout bounds each
// request, not counting the wait for the limiter.
func New(client HTTPClient, baseURL string, perSecond int, timeout time.Duration) *Client {
	return &Client{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond),
	}
}

// Send creates or replaces a pin on the user's timeline.
func (c *Client) Send(ctx context.Context, userToken string, p pin.Pin) Outcome {
	body, err := json.Marshal(p)
	if err != nil {
		return Outcome{Status: OtherFailure, Detail: fmt.Sprintf("encode pin: %v", err)}
	}
	return c.call(ctx, http.MethodPut, userToken, p.ID, body)
}

// Delete removes a pin from the user's timeline. A pin that is already gone
// counts as deleted.
func (c *Client) Delete(ctx context.Context, userToken, pinID string) Outcome {
	return c.call(ctx, http.MethodDelete, userToken, pinID, nil)
}

func (c *Client) call(ctx context.Context, method, userToken, pinID string, body []byte) Outcome {
	if err := c.limiter.Wait(ctx); err != nil {
		return Outcome{Status: OtherFailure, Detail: fmt.Sprintf("rate wait: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL + "/v1/user/pins/" + url.PathEscape(pinID)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return Outcome{Status: OtherFailure, Detail: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set(UserTokenHeader, userToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{Status: OtherFailure, Detail: fmt.Sprintf("%s pin: %v", strings.ToLower(method), err)}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return classify(method, resp.StatusCode)
}

func classify(method string, code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return Outcome{Status: Success}
	case code == http.StatusGone:
		return Outcome{Status: PermanentlyInvalid, Detail: "user gone"}
	case code == http.StatusTooManyRequests:
		return Outcome{Status: RateLimited, Detail: "too many requests"}
	case code == http.StatusNotFound && method == http.MethodDelete:
		return Outcome{Status: Success}
	default:
		return Outcome{Status: OtherFailure, Detail: fmt.Sprintf("unexpected status %d", code)}
	}
}
