package oidc

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_test"
	testClientID = "client-abc"
)

// testProvider serves a JWKS document and counts how often it is fetched.
type testProvider struct {
	t       *testing.T
	server  *httptest.Server
	fetches atomic.Int32
	status  atomic.Int32
	delay   atomic.Int64

	mu   sync.Mutex
	keys map[string]*rsa.PrivateKey
	body []byte
}

func newTestProvider(t *testing.T) *testProvider {
	t.Helper()
	p := &testProvider{t: t, keys: map[string]*rsa.PrivateKey{}}
	p.status.Store(http.StatusOK)
	p.addKey("kid-1")

	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fetches.Add(1)
		if d := time.Duration(p.delay.Load()); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		status := int(p.status.Load())
		if status != http.StatusOK {
			http.Error(w, "unavailable", status)
			return
		}
		p.mu.Lock()
		body := p.body
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	}))
	t.Cleanup(p.server.Close)
	return p
}

// addKey generates a signing key under kid and republishes the key set.
func (p *testProvider) addKey(kid string) *rsa.PrivateKey {
	p.t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(p.t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[kid] = priv
	p.publishLocked()
	return priv
}

// removeKey drops kid from the published set.
func (p *testProvider) removeKey(kid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.keys, kid)
	p.publishLocked()
}

func (p *testProvider) publishLocked() {
	set := jwk.NewSet()
	for kid, priv := range p.keys {
		key, err := jwk.FromRaw(priv.Public())
		require.NoError(p.t, err)
		require.NoError(p.t, key.Set(jwk.KeyIDKey, kid))
		require.NoError(p.t, key.Set(jwk.AlgorithmKey, "RS256"))
		require.NoError(p.t, key.Set(jwk.KeyUsageKey, "sig"))
		require.NoError(p.t, set.AddKey(key))
	}
	body, err := json.Marshal(set)
	require.NoError(p.t, err)
	p.body = body
}

func (p *testProvider) privateKey(kid string) *rsa.PrivateKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[kid]
}

func (p *testProvider) url() string {
	return p.server.URL
}

// validClaims returns an ID token claim set accepted by newTestVerifier.
func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":              "sub-123",
		"email":            "Alice@Example.com",
		"email_verified":   true,
		"cognito:username": "alice",
		"token_use":        "id",
		"iss":              testIssuer,
		"aud":              testClientID,
		"iat":              time.Now().Unix(),
		"exp":              time.Now().Add(time.Hour).Unix(),
	}
}

// signToken signs claims with key using method and puts kid in the header.
func signToken(t *testing.T, method jwt.SigningMethod, key interface{}, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func newTestVerifier(p *testProvider, opts ...KeySetOption) *Verifier {
	opts = append([]KeySetOption{WithFetchTimeout(2 * time.Second)}, opts...)
	cache := NewKeySetCache(p.url(), opts...)
	return NewVerifier(cache, VerifierConfig{
		Issuer:    testIssuer,
		ClientID:  testClientID,
		Algorithm: "RS256",
	})
}
