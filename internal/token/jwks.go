package token

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// jwksFetcher caches a provider's published signing keys in an
// expirable LRU (10 minute TTL, covering key rotation without an
// unbounded cache), refetching the whole set on a cache miss.
type jwksFetcher struct {
	httpClient *http.Client
	url        string

	refreshMu sync.Mutex
	keys      *lru.LRU[string, *rsa.PublicKey]
}

func newJWKSFetcher(httpClient *http.Client, url string) *jwksFetcher {
	return &jwksFetcher{
		httpClient: httpClient,
		url:        url,
		keys:       lru.NewLRU[string, *rsa.PublicKey](64, nil, 10*time.Minute),
	}
}

type jwkSet struct {
	Keys []struct {
		Kid string `json:"kid"`
		Kty string `json:"kty"`
		N   string `json:"n"`
		E   string `json:"e"`
	} `json:"keys"`
}

func (f *jwksFetcher) keyFor(ctx context.Context, t *jwt.Token) (any, error) {
	var kid, _ = t.Header["kid"].(string)

	if key, ok := f.keys.Get(kid); ok {
		return key, nil
	}
	if err := f.refresh(ctx); err != nil {
		return nil, fmt.Errorf("fetching JWKS: %w", err)
	}

	key, ok := f.keys.Get(kid)
	if !ok {
		return nil, fmt.Errorf("unknown signing key id %q", kid)
	}
	return key, nil
}

// refresh refetches the full JWKS document and reinstalls every RSA key
// it carries. Refreshes are serialised, so a burst of cache misses
// issues its requests one at a time; each missing caller still issues
// its own request.
func (f *jwksFetcher) refresh(ctx context.Context) error {
	f.refreshMu.Lock()
	defer f.refreshMu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return err
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != 200 {
		return fmt.Errorf("jwks endpoint returned %s: %s", resp.Status, body)
	}

	var set jwkSet
	if err := json.Unmarshal(body, &set); err != nil {
		return fmt.Errorf("decoding jwks: %w", err)
	}

	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pk, err := decodeRSAPublicKey(k.N, k.E)
		if err != nil {
			return fmt.Errorf("decoding key %s: %w", k.Kid, err)
		}
		f.keys.Add(k.Kid, pk)
	}
	return nil
}

func decodeRSAPublicKey(nB64, eB64 string) (*rsa.PublicKey, error) {
	var nBytes, err = base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	var e = 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
