package token

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/nuntius/internal/common"
	"github.com/ternarybob/nuntius/internal/models"
)

func generateParams(t *testing.T) (*rsa.PrivateKey, *models.RSAParameters) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	enc := base64.StdEncoding
	params := &models.RSAParameters{
		Modulus:  enc.EncodeToString(key.N.Bytes()),
		Exponent: enc.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		D:        enc.EncodeToString(key.D.Bytes()),
		P:        enc.EncodeToString(key.Primes[0].Bytes()),
		Q:        enc.EncodeToString(key.Primes[1].Bytes()),
		DP:       enc.EncodeToString(key.Precomputed.Dp.Bytes()),
		DQ:       enc.EncodeToString(key.Precomputed.Dq.Bytes()),
		InverseQ: enc.EncodeToString(key.Precomputed.Qinv.Bytes()),
	}
	return key, params
}

func testTarget(params *models.RSAParameters, authURL string) *models.Target {
	return &models.Target{
		ID:      "alpha",
		Enabled: true,
		Runner:  &models.RunnerFile{ServerURLV2: "https://broker.example.com/"},
		Credentials: &models.OAuthCredential{
			ClientID:         "client-1",
			AuthorizationURL: authURL,
		},
		RSAParams: params,
	}
}

func TestBuildPrivateKey_Roundtrip(t *testing.T) {
	key, params := generateParams(t)

	built, err := BuildPrivateKey(params)
	require.NoError(t, err)

	assert.Equal(t, 0, key.N.Cmp(built.N))
	assert.Equal(t, 0, key.D.Cmp(built.D))
	assert.Equal(t, key.E, built.E)
}

func TestBuildPrivateKey_Invalid(t *testing.T) {
	_, params := generateParams(t)
	params.Q = params.P // p == q is not a valid key

	_, err := BuildPrivateKey(params)
	assert.Error(t, err)
}

func TestDecodeBigInt_Alphabets(t *testing.T) {
	value := new(big.Int).SetInt64(0x0102FFFE)
	raw := value.Bytes()

	for _, encoded := range []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		base64.URLEncoding.EncodeToString(raw),
		base64.RawURLEncoding.EncodeToString(raw),
	} {
		got, err := decodeBigInt(encoded)
		require.NoError(t, err)
		assert.Equal(t, 0, value.Cmp(got))
	}

	_, err := decodeBigInt("")
	assert.Error(t, err)
}

func TestGetToken_SignsVerifiableAssertion(t *testing.T) {
	key, params := generateParams(t)

	var assertionSeen string
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		assert.Equal(t, clientAssertionType, r.Form.Get("client_assertion_type"))
		assertionSeen = r.Form.Get("client_assertion")

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "token-123",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	svc := NewService(&common.AuthConfig{}, arbor.NewLogger())
	target := testTarget(params, srv.URL)

	token, err := svc.GetToken(target)
	require.NoError(t, err)
	assert.Equal(t, "token-123", token)

	// The assertion verifies against the target's public key and carries
	// the client identity claims
	parsed, err := jwt.Parse(assertionSeen, func(tk *jwt.Token) (interface{}, error) {
		if _, ok := tk.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tk.Method.Alg())
		}
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "client-1", claims["sub"])
	assert.Equal(t, "client-1", claims["iss"])

	// Second call reuses the cached token
	token, err = svc.GetToken(target)
	require.NoError(t, err)
	assert.Equal(t, "token-123", token)
	assert.Equal(t, 1, requests)

	// Invalidation forces a fresh exchange
	svc.Invalidate(target.ID)
	_, err = svc.GetToken(target)
	require.NoError(t, err)
	assert.Equal(t, 2, requests)
}

func TestGetToken_ExpiredCacheRefreshes(t *testing.T) {
	_, params := generateParams(t)

	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		// A token already inside the refresh margin
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("token-%d", requests),
			"expires_in":   1,
		})
	}))
	defer srv.Close()

	svc := NewService(&common.AuthConfig{}, arbor.NewLogger())
	target := testTarget(params, srv.URL)

	first, err := svc.GetToken(target)
	require.NoError(t, err)
	second, err := svc.GetToken(target)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, 2, requests)
}

func TestGetToken_OAuthError(t *testing.T) {
	_, params := generateParams(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid_client"}`))
	}))
	defer srv.Close()

	svc := NewService(&common.AuthConfig{}, arbor.NewLogger())

	_, err := svc.GetToken(testTarget(params, srv.URL))
	require.Error(t, err)

	var oauthErr *OAuthError
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, http.StatusUnauthorized, oauthErr.StatusCode)
	assert.Contains(t, oauthErr.Body, "invalid_client")
}

func TestGetToken_DefaultExpiry(t *testing.T) {
	_, params := generateParams(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No expires_in: the service assumes an hour
		json.NewEncoder(w).Encode(map[string]string{"access_token": "token-xyz"})
	}))
	defer srv.Close()

	svc := NewService(&common.AuthConfig{}, arbor.NewLogger())
	target := testTarget(params, srv.URL)

	token, err := svc.GetToken(target)
	require.NoError(t, err)
	assert.Equal(t, "token-xyz", token)

	svc.mu.Lock()
	cached := svc.cache[target.ID]
	svc.mu.Unlock()
	assert.True(t, cached.expiry.After(time.Now().Add(55*time.Minute)))
}
