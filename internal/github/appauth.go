package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// appJWTTTL is the lifetime of a GitHub App JWT. GitHub rejects anything
// over ten minutes.
const appJWTTTL = 10 * time.Minute

// ParsePrivateKey parses a PEM-encoded RSA private key as downloaded from
// the GitHub App settings page.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	return key, nil
}

// MintAppJWT creates the short-lived RS256 JWT a GitHub App authenticates
// with. The issued-at claim is backdated a minute to absorb clock skew.
func MintAppJWT(appID string, key *rsa.PrivateKey, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign app JWT: %w", err)
	}
	return signed, nil
}

// InstallationToken exchanges an App JWT for an installation access token
// scoped to the installation's repositories.
func (c *Client) InstallationToken(ctx context.Context, appJWT string, installationID int64) (string, error) {
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, installationID)

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("failed to create installation token: %s - %s", resp.Status, string(body))
	}

	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse installation token response: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("installation token response contained no token")
	}
	return result.Token, nil
}

// NewAppClient authenticates as a GitHub App installation and returns a
// client whose requests carry the installation token.
func NewAppClient(ctx context.Context, appID string, installationID int64, privateKeyPEM []byte) (*Client, error) {
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	appJWT, err := MintAppJWT(appID, key, time.Now())
	if err != nil {
		return nil, err
	}

	bootstrap := NewClient("")
	token, err := bootstrap.InstallationToken(ctx, appJWT, installationID)
	if err != nil {
		return nil, err
	}
	return NewClient(token), nil
}
