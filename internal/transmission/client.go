// Package transmission fetches torrent lists from Transmission RPC endpoints.
package transmission

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"torrent_pins/internal/model"
)

// SessionHeader carries the CSRF session id required by Transmission.
const SessionHeader = "X-Transmission-Session-Id"

const (
	rpcTag      = 39693
	maxBodySize = 5 * 1024 * 1024
	sessionTTL  = 24 * time.Hour
)

// Fetch failures. Every error returned by FetchTorrents wraps one of them.
var (
	ErrUnreachable = errors.New("endpoint unreachable")
	ErrProtocol    = errors.New("unexpected endpoint response")
)

var fields = []string{"id", "name", "eta", "doneDate", "hashString", "rateDownload", "rateUpload"}

var sessionRenewals = promauto.NewCounter(prometheus.CounterOpts{
	Name: "pinsync_session_renewals_total",
	Help: "Transmission session ids renewed after a 409 response.",
})

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type rpcRequest struct {
	Method    string       `json:"method"`
	Arguments rpcArguments `json:"arguments"`
	Tag       int          `json:"tag"`
}

type rpcArguments struct {
	Fields []string `json:"fields"`
}

type rpcResponse struct {
	Result    string `json:"result"`
	Arguments struct {
		Torrents []rpcTorrent `json:"torrents"`
	} `json:"arguments"`
}

type rpcTorrent struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	ETA          int64  `json:"eta"`
	DoneDate     int64  `json:"doneDate"`
	HashString   string `json:"hashString"`
	RateDownload int64  `json:"rateDownload"`
	RateUpload   int64  `json:"rateUpload"`
}

// Client queries Transmission endpoints on behalf of users.
// It is safe for concurrent use.
type Client struct {
	client   HTTPClient
	timeout  time.Duration
	sessions *expirable.LRU[string, string]
	log      *slog.Logger
}

// New creates a Client. timeout bounds each HTTP request and sessionCacheSize
// limits how many endpoint session ids are remembered between cycles.
func New(client HTTPClient, timeout time.Duration, sessionCacheSize int, log *slog.Logger) *Client {
	return &Client{
		client:   client,
		timeout:  timeout,
		sessions: expirable.NewLRU[string, string](sessionCacheSize, nil, sessionTTL),
		log:      log.With("component", "transmission"),
	}
}

// FetchTorrents returns the torrents currently known to the user's endpoint.
// A stale session (409) is renewed and the request retried exactly once.
func (c *Client) FetchTorrents(ctx context.Context, user model.User) ([]model.Torrent, error) {
	session, _ := c.sessions.Get(user.URL)

	torrents, renewed, err := c.torrentGet(ctx, user, session)
	if err != nil {
		return nil, err
	}
	if renewed == "" {
		return torrents, nil
	}

	sessionRenewals.Inc()
	c.log.Debug("session renewed", "url", user.URL)
	c.sessions.Add(user.URL, renewed)

	torrents, again, err := c.torrentGet(ctx, user, renewed)
	if err != nil {
		return nil, err
	}
	if again != "" {
		c.sessions.Remove(user.URL)
		return nil, fmt.Errorf("%w: session rejected after renewal", ErrProtocol)
	}
	return torrents, nil
}

// torrentGet performs one RPC call. A non-empty renewed session means the
// endpoint rejected the call and the caller may retry with it.
func (c *Client) torrentGet(ctx context.Context, user model.User, session string) ([]model.Torrent, string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{
		Method:    "torrent-get",
		Arguments: rpcArguments{Fields: fields},
		Tag:       rpcTag,
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, user.URL, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("%w: create request: %w", ErrProtocol, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SessionHeader, session)
	req.SetBasicAuth(user.Username, user.Password)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusConflict {
		renewed := resp.Header.Get(SessionHeader)
		if renewed == "" {
			return nil, "", fmt.Errorf("%w: 409 without session id", ErrProtocol)
		}
		return nil, renewed, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: status %d", ErrProtocol, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %w", ErrUnreachable, err)
	}

	var out rpcResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, "", fmt.Errorf("%w: decode body: %w", ErrProtocol, err)
	}
	if out.Result != "success" {
		return nil, "", fmt.Errorf("%w: result %q", ErrProtocol, out.Result)
	}

	if session != "" {
		c.sessions.Add(user.URL, session)
	}

	torrents := make([]model.Torrent, 0, len(out.Arguments.Torrents))
	for _, t := range out.Arguments.Torrents {
		torrents = append(torrents, model.Torrent{
			ID:           t.ID,
			Hash:         t.HashString,
			Name:         t.Name,
			ETA:          t.ETA,
			DoneDate:     t.DoneDate,
			RateDownload: t.RateDownload,
			RateUpload:   t.RateUpload,
		})
	}
	return torrents, "", nil
}
