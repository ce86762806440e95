// Package policyclient implements PolicyClient: fetching
// producer/consumer ConfigSnapshots from the central policy service over
// TLS, authenticated with a bearer token from package token.
package policyclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/estuary/federator/internal/config"
	"github.com/estuary/federator/internal/ferrors"
	"github.com/estuary/federator/internal/token"
)

// TokenSource supplies the bearer token to attach to outbound requests.
// Implemented by *token.Client; declared as an interface here so tests
// can stub it without a live identity provider.
type TokenSource interface {
	Current() (token.BearerToken, bool)
}

// Client fetches ConfigSnapshots from the policy service. It does not
// cache; caching is package cache's responsibility.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	ttl        time.Duration
}

// New constructs a Client against the policy service at baseURL.
func New(baseURL string, tokens TokenSource, ttl time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     tokens,
		ttl:        ttl,
	}
}

// GetProducerConfig fetches GET /configuration/producer?producer_id=<id>.
// An empty id omits the query parameter.
func (c *Client) GetProducerConfig(ctx context.Context, producerID string) (config.Snapshot, error) {
	body, err := c.get(ctx, "/configuration/producer", "producer_id", producerID)
	if err != nil {
		return config.Snapshot{}, err
	}
	return config.ParseProducerSnapshot(body, c.ttl, time.Now())
}

// GetConsumerConfig fetches GET /configuration/consumer?consumer_id=<id>.
func (c *Client) GetConsumerConfig(ctx context.Context, consumerID string) (config.Snapshot, error) {
	body, err := c.get(ctx, "/configuration/consumer", "consumer_id", consumerID)
	if err != nil {
		return config.Snapshot{}, err
	}
	return config.ParseConsumerSnapshot(body, c.ttl, time.Now())
}

func (c *Client) get(ctx context.Context, resource, paramName, paramValue string) ([]byte, error) {
	var u, err = url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid policy service URL: %w", err)
	}
	u.Path += resource
	if paramValue != "" {
		var q = u.Query()
		q.Set(paramName, paramValue)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request to %s: %w", resource, err)
	}
	if bt, ok := c.tokens.Current(); ok {
		req.Header.Set("Authorization", "Bearer "+bt.Raw)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, fmt.Errorf("requesting %s: %w", resource, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferrors.Wrap(ferrors.Transient, fmt.Errorf("reading %s response: %w", resource, err))
	}

	switch {
	case resp.StatusCode == 200:
		return body, nil
	case resp.StatusCode == 401:
		return nil, ferrors.Wrap(ferrors.Authentication, fmt.Errorf("%s: %s", resp.Status, body))
	case resp.StatusCode == 403:
		return nil, ferrors.Wrap(ferrors.Authorisation, fmt.Errorf("%s: %s", resp.Status, body))
	case resp.StatusCode >= 500:
		return nil, ferrors.Wrap(ferrors.Transient, fmt.Errorf("%s: %s", resp.Status, body))
	default:
		return nil, ferrors.Wrap(ferrors.Configuration, fmt.Errorf("%s: %s", resp.Status, body))
	}
}
