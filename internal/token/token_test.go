package token

import (
	"testing"
	"time"

	"github.com/estuary/federator/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedUnverifiedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	var tok = jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	var s, err = tok.SignedString([]byte("test-signing-key-not-verified-by-caller"))
	require.NoError(t, err)
	return s
}

func TestExtractClientIDPrefersAzp(t *testing.T) {
	var s = signedUnverifiedToken(t, jwt.MapClaims{"azp": "svc-a", "client_id": "svc-b"})
	assert.Equal(t, "svc-a", ExtractClientID(s))
}

func TestExtractClientIDFallsBackToClientID(t *testing.T) {
	var s = signedUnverifiedToken(t, jwt.MapClaims{"client_id": "svc-b"})
	assert.Equal(t, "svc-b", ExtractClientID(s))
}

func TestExtractClientIDOfMalformedTokenIsEmpty(t *testing.T) {
	assert.Equal(t, "", ExtractClientID("not-a-jwt"))
}

func TestShouldRefreshUsesConfiguredBuffer(t *testing.T) {
	var c = &Client{cfg: config.IDPConfig{RefreshBuffer: time.Minute}}

	assert.True(t, c.ShouldRefresh(BearerToken{Expiry: time.Now().Add(30 * time.Second)}))
	assert.False(t, c.ShouldRefresh(BearerToken{Expiry: time.Now().Add(5 * time.Minute)}))
}

func TestShouldRefreshDefaultsTo30Seconds(t *testing.T) {
	var c = &Client{}

	assert.True(t, c.ShouldRefresh(BearerToken{Expiry: time.Now().Add(10 * time.Second)}))
	assert.False(t, c.ShouldRefresh(BearerToken{Expiry: time.Now().Add(time.Minute)}))
}
