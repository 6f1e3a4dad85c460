package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateTestKey(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemBytes
}

func TestParsePrivateKey(t *testing.T) {
	_, pemBytes := generateTestKey(t)
	key, err := ParsePrivateKey(pemBytes)
	require.NoError(t, err)
	assert.NotNil(t, key)
}

func TestParsePrivateKey_Garbage(t *testing.T) {
	_, err := ParsePrivateKey([]byte("not a key"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse app private key")
}

func TestMintAppJWT_Claims(t *testing.T) {
	key, _ := generateTestKey(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	signed, err := MintAppJWT("12345", key, now)
	require.NoError(t, err)

	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(signed, &claims, func(token *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	assert.Equal(t, "12345", claims.Issuer)
	assert.Equal(t, now.Add(-time.Minute).Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, now.Add(10*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestInstallationToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "/app/installations/777/access_tokens", r.URL.Path)
		assert.Equal(t, "Bearer app-jwt", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"token":"ghs_installation_token","expires_at":"2026-03-01T13:00:00Z"}`))
	}))
	defer ts.Close()

	token, err := testClient(ts.URL).InstallationToken(context.Background(), "app-jwt", 777)
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation_token", token)
}

func TestInstallationToken_Denied(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"A JSON web token could not be decoded"}`))
	}))
	defer ts.Close()

	_, err := testClient(ts.URL).InstallationToken(context.Background(), "bad-jwt", 777)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create installation token")
}
