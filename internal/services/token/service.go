package token

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
)

const clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// OAuthError indicates a non-200 response from a target's authorization URL
type OAuthError struct {
	StatusCode int
	Body       string
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("token exchange failed with status %d: %s", e.StatusCode, e.Body)
}

type cachedToken struct {
	accessToken string
	expiry      time.Time
}

// Service mints signed client assertions and exchanges them for bearer
// tokens at each target's authorization endpoint, caching tokens until
// shortly before expiry.
type Service struct {
	client        *http.Client
	lifetime      time.Duration
	refreshMargin time.Duration
	logger        arbor.ILogger

	mu    sync.Mutex
	cache map[string]cachedToken
	keys  map[string]*rsa.PrivateKey
}

// NewService creates a new token service
func NewService(config *common.AuthConfig, logger arbor.ILogger) *Service {
	return &Service{
		client:        &http.Client{Timeout: 30 * time.Second},
		lifetime:      config.JWTLifetimeDuration(),
		refreshMargin: config.TokenRefreshMarginDuration(),
		logger:        logger,
		cache:         make(map[string]cachedToken),
		keys:          make(map[string]*rsa.PrivateKey),
	}
}

// GetToken returns a bearer token for the target, reusing the cached token
// until it is within the refresh margin of expiry.
func (s *Service) GetToken(target *models.Target) (string, error) {
	s.mu.Lock()
	cached, ok := s.cache[target.ID]
	s.mu.Unlock()

	if ok && time.Now().Before(cached.expiry.Add(-s.refreshMargin)) {
		return cached.accessToken, nil
	}

	key, err := s.privateKey(target)
	if err != nil {
		return "", err
	}

	assertion, err := s.mintAssertion(key, target.Credentials)
	if err != nil {
		return "", err
	}

	accessToken, expiry, err := s.exchange(target.Credentials.AuthorizationURL, assertion)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[target.ID] = cachedToken{accessToken: accessToken, expiry: expiry}
	s.mu.Unlock()

	s.logger.Debug().
		Str("target_id", target.ID).
		Str("expires", expiry.Format(time.RFC3339)).
		Msg("Bearer token refreshed")

	return accessToken, nil
}

// Invalidate drops the cached token for a target so the next call mints a
// fresh one
func (s *Service) Invalidate(targetID string) {
	s.mu.Lock()
	delete(s.cache, targetID)
	s.mu.Unlock()
}

// privateKey builds (and memoizes) the RSA key from the target's stored
// parameters
func (s *Service) privateKey(target *models.Target) (*rsa.PrivateKey, error) {
	s.mu.Lock()
	key, ok := s.keys[target.ID]
	s.mu.Unlock()
	if ok {
		return key, nil
	}

	key, err := BuildPrivateKey(target.RSAParams)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", target.ID, err)
	}

	s.mu.Lock()
	s.keys[target.ID] = key
	s.mu.Unlock()

	return key, nil
}

// mintAssertion builds and signs the short-lived RS256 client assertion
func (s *Service) mintAssertion(key *rsa.PrivateKey, creds *models.OAuthCredential) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": creds.ClientID,
		"iss": creds.ClientID,
		"aud": creds.AuthorizationURL,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(s.lifetime).Unix(),
	}

	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign client assertion: %w", err)
	}
	return assertion, nil
}

// exchange posts the assertion to the authorization URL and parses the
// bearer token response
func (s *Service) exchange(authorizationURL, assertion string) (string, time.Time, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", clientAssertionType)
	form.Set("client_assertion", assertion)

	resp, err := s.client.Post(authorizationURL, "application/x-www-form-urlencoded",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &OAuthError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var parsed struct {
		AccessToken string      `json:"access_token"`
		ExpiresIn   json.Number `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, fmt.Errorf("invalid token response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token response missing access_token")
	}

	expiresIn, err := parsed.ExpiresIn.Int64()
	if err != nil || expiresIn <= 0 {
		expiresIn = 3600
	}

	return parsed.AccessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

// BuildPrivateKey assembles an RSA private key from the base64-encoded
// components stored in the .credentials_rsaparams file
func BuildPrivateKey(params *models.RSAParameters) (*rsa.PrivateKey, error) {
	n, err := decodeBigInt(params.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	e, err := decodeBigInt(params.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	d, err := decodeBigInt(params.D)
	if err != nil {
		return nil, fmt.Errorf("invalid d: %w", err)
	}
	p, err := decodeBigInt(params.P)
	if err != nil {
		return nil, fmt.Errorf("invalid p: %w", err)
	}
	q, err := decodeBigInt(params.Q)
	if err != nil {
		return nil, fmt.Errorf("invalid q: %w", err)
	}

	key := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}

	if err := key.Validate(); err != nil {
		return nil, fmt.Errorf("inconsistent RSA parameters: %w", err)
	}
	key.Precompute()

	return key, nil
}

// decodeBigInt decodes a base64 value, tolerating both the standard and
// url alphabets with or without padding
func decodeBigInt(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty value")
	}

	encodings := []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	}

	var lastErr error
	for _, enc := range encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return new(big.Int).SetBytes(b), nil
		}
		lastErr = err
	}
	return nil, lastErr
}
