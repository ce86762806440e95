// Package token implements TokenClient: obtaining, verifying, and
// proactively refreshing the bearer token used to authenticate
// outbound calls to a peer Federator.
package token

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/estuary/federator/internal/config"
	"github.com/estuary/federator/internal/ferrors"
	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/pkcs12"
)

// BearerToken is a short-lived credential obtained from the identity
// provider.
type BearerToken struct {
	Raw      string
	Expiry   time.Time
	Audience string
	Subject  string // azp / client_id claim
}

// Client obtains, verifies, and refreshes BearerTokens. A single
// background refresher holds the current token; callers read through
// Current, a read-through accessor that never blocks on a fetch.
type Client struct {
	cfg        config.IDPConfig
	httpClient *http.Client
	jwks       *jwksFetcher

	current atomic.Pointer[BearerToken]

	refreshOnce sync.Once
	stop        chan struct{}
}

// New constructs a Client from IDP configuration. When cfg.MTLSEnabled,
// the returned *http.Client presents the configured keystore certificate
// and no client secret is ever sent -- the two supported token-fetch
// modes.
func New(cfg config.IDPConfig) (*Client, error) {
	var httpClient = &http.Client{Timeout: 30 * time.Second}

	if cfg.MTLSEnabled {
		tlsConfig, err := mtlsConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("building mTLS transport: %w", err)
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		jwks:       newJWKSFetcher(httpClient, cfg.JWKSURL),
		stop:       make(chan struct{}),
	}, nil
}

func mtlsConfig(cfg config.IDPConfig) (*tls.Config, error) {
	keystoreBytes, err := readFile(cfg.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("reading keystore %s: %w", cfg.KeystorePath, err)
	}
	key, cert, caCerts, err := pkcs12.DecodeChain(keystoreBytes, cfg.KeystorePass)
	if err != nil {
		return nil, fmt.Errorf("decoding PKCS#12 keystore: %w", err)
	}

	var tlsCert = tls.Certificate{Certificate: [][]byte{cert.Raw}, PrivateKey: key}
	for _, c := range caCerts {
		tlsCert.Certificate = append(tlsCert.Certificate, c.Raw)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{tlsCert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Fetch performs a token request against the configured token endpoint,
// selecting mTLS or client-secret mode per cfg.MTLSEnabled.
func (c *Client) Fetch(ctx context.Context) (BearerToken, error) {
	var form = url.Values{"grant_type": {"client_credentials"}}
	if !c.cfg.MTLSEnabled {
		form.Set("client_id", c.cfg.ClientID)
		form.Set("client_secret", c.cfg.ClientSecret)
	} else {
		form.Set("client_id", c.cfg.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return BearerToken{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("content-type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return BearerToken{}, ferrors.Wrap(ferrors.Transient, fmt.Errorf("requesting token: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BearerToken{}, ferrors.Wrap(ferrors.Transient, fmt.Errorf("reading token response: %w", err))
	}
	if resp.StatusCode >= 500 {
		return BearerToken{}, ferrors.Wrap(ferrors.Transient, fmt.Errorf("identity provider returned %s: %s", resp.Status, body))
	}
	if resp.StatusCode != 200 {
		return BearerToken{}, ferrors.Wrap(ferrors.Authentication, fmt.Errorf("identity provider returned %s: %s", resp.Status, body))
	}

	var wire struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &wire); err != nil {
		return BearerToken{}, fmt.Errorf("decoding token response: %w", err)
	}

	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(wire.AccessToken, &claims); err != nil {
		return BearerToken{}, fmt.Errorf("identity provider returned an unparsable token: %w", err)
	}
	var audience, _ = claims.GetAudience()

	var bt = BearerToken{
		Raw:      wire.AccessToken,
		Expiry:   time.Now().Add(time.Duration(wire.ExpiresIn) * time.Second),
		Audience: strings.Join(audience, ","),
		Subject:  extractClientID(claims),
	}
	return bt, nil
}

// Verify parses token, checking its signature against the JWKS keys, and
// its exp/aud/iss claims. aud must equal cfg.Audience; iss must equal
// cfg.Issuer when configured (an unset Issuer skips that check, since
// some identity providers publish tokens without a stable issuer URL).
func (c *Client) Verify(ctx context.Context, tokenStr string) bool {
	var claims jwt.MapClaims
	var opts = []jwt.ParserOption{jwt.WithAudience(c.cfg.Audience), jwt.WithIssuedAt()}
	if c.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(c.cfg.Issuer))
	}
	var _, err = jwt.ParseWithClaims(tokenStr, &claims, func(t *jwt.Token) (any, error) {
		return c.jwks.keyFor(ctx, t)
	}, opts...)
	if err != nil {
		log.WithError(err).Debug("token verification failed")
		return false
	}
	return true
}

// ExtractClientID returns the azp/client_id claim of token without
// verifying its signature, or "" if the token is malformed.
func ExtractClientID(tokenStr string) string {
	var claims jwt.MapClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenStr, &claims); err != nil {
		return ""
	}
	return extractClientID(claims)
}

func extractClientID(claims jwt.MapClaims) string {
	if azp, ok := claims["azp"].(string); ok && azp != "" {
		return azp
	}
	if cid, ok := claims["client_id"].(string); ok {
		return cid
	}
	return ""
}

// ShouldRefresh reports whether bt's remaining validity is at or below
// the configured refresh buffer.
func (c *Client) ShouldRefresh(bt BearerToken) bool {
	var buffer = c.cfg.RefreshBuffer
	if buffer == 0 {
		buffer = 30 * time.Second
	}
	return time.Until(bt.Expiry) <= buffer
}

// Current returns the most recently fetched token. Callers should have
// started StartRefresher first; Current blocks on nothing and returns
// the zero value until the first successful fetch completes.
func (c *Client) Current() (BearerToken, bool) {
	var p = c.current.Load()
	if p == nil {
		return BearerToken{}, false
	}
	return *p, true
}

// StartRefresher launches the background refresh loop. It performs an
// initial synchronous fetch so Current is populated before returning,
// then refreshes proactively in a goroutine with exponential backoff on
// failure (initial 200ms, cap 5 min).
func (c *Client) StartRefresher(ctx context.Context) error {
	var bt, err = c.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("initial token fetch: %w", err)
	}
	c.current.Store(&bt)

	c.refreshOnce.Do(func() {
		go c.refreshLoop(ctx)
	})
	return nil
}

func (c *Client) refreshLoop(ctx context.Context) {
	var backoff = 200 * time.Millisecond
	const maxBackoff = 5 * time.Minute

	for {
		var bt, _ = c.Current()
		var wait = time.Until(bt.Expiry) - c.cfg.RefreshBuffer
		if wait < time.Second {
			wait = time.Second
		}

		select {
		case <-time.After(wait):
		case <-c.stop:
			return
		case <-ctx.Done():
			return
		}

		next, err := c.Fetch(ctx)
		if err != nil {
			log.WithError(err).WithField("backoff", backoff).Warn("transient authentication unavailable; will retry")
			select {
			case <-time.After(backoff):
			case <-c.stop:
				return
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = 200 * time.Millisecond
		c.current.Store(&next)
	}
}

// Stop terminates the background refresher.
func (c *Client) Stop() { close(c.stop) }

func readFile(path string) ([]byte, error) {
	return osReadFile(path)
}

// osReadFile is a var indirection purely so tests can stub filesystem
// access without a real keystore on disk.
var osReadFile = os.ReadFile
