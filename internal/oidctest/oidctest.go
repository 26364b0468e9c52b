// Package oidctest provides an in-process OpenID Connect provider for tests:
// a discovery document, a JWKS endpoint whose keys can be rotated, and
// helpers to sign identity tokens.
package oidctest

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

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// Key is an RSA signing key with its key id.
type Key struct {
	ID      string
	Private *rsa.PrivateKey
}

// NewKey generates a 2048 bit RSA key.
func NewKey(t testing.TB, kid string) Key {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	return Key{ID: kid, Private: pk}
}

// JWKS renders the public halves of keys as a JWKS document.
func JWKS(t testing.TB, keys ...Key) []byte {
	t.Helper()
	set := jose.JSONWebKeySet{}
	for _, k := range keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.Private.PublicKey, KeyID: k.ID, Algorithm: "RS256", Use: "sig"})
	}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return b
}

// Sign produces an RS256 token over claims with the key's kid in the header.
// An empty key id leaves the kid header out.
func Sign(t testing.TB, key Key, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if key.ID != "" {
		tok.Header["kid"] = key.ID
	}
	s, err := tok.SignedString(key.Private)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// Provider is a mock identity provider served over httptest.
type Provider struct {
	Issuer string

	srv *httptest.Server

	mu              sync.Mutex
	keys            []Key
	meta            map[string]any
	discoveryDelay  time.Duration
	discoveryStatus int

	discoveryHits atomic.Int64
	jwksHits      atomic.Int64
}

// NewProvider starts a provider publishing keys. It is closed when the test
// ends.
func NewProvider(t testing.TB, keys ...Key) *Provider {
	t.Helper()
	p := &Provider{keys: keys, meta: map[string]any{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", p.serveDiscovery)
	mux.HandleFunc("/keys", p.serveJWKS)
	p.srv = httptest.NewServer(mux)
	p.Issuer = p.srv.URL
	t.Cleanup(p.srv.Close)
	return p
}

// URL is the provider's base URL (equal to the issuer).
func (p *Provider) URL() string { return p.srv.URL }

// JWKSURI is where the provider publishes its keys.
func (p *Provider) JWKSURI() string { return p.srv.URL + "/keys" }

// Client returns an HTTP client for the provider.
func (p *Provider) Client() *http.Client { return p.srv.Client() }

// SetKeys replaces the published keys.
func (p *Provider) SetKeys(keys ...Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = keys
}

// SetMetadata overrides a field of the discovery document. A nil value
// removes the field.
func (p *Provider) SetMetadata(field string, v any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.meta[field] = v
}

// SetDiscoveryDelay makes the discovery endpoint stall before answering.
func (p *Provider) SetDiscoveryDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryDelay = d
}

// SetDiscoveryStatus makes the discovery endpoint answer with code. Zero
// restores normal behavior.
func (p *Provider) SetDiscoveryStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveryStatus = code
}

// DiscoveryHits counts requests to the discovery endpoint.
func (p *Provider) DiscoveryHits() int64 { return p.discoveryHits.Load() }

// JWKSHits counts requests to the JWKS endpoint.
func (p *Provider) JWKSHits() int64 { return p.jwksHits.Load() }

// Claims returns a valid claim set for sub issued by p, expiring in ttl.
func (p *Provider) Claims(sub string, ttl time.Duration) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss": p.Issuer,
		"sub": sub,
		"exp": now.Add(ttl).Unix(),
		"iat": now.Unix(),
	}
}

func (p *Provider) serveDiscovery(w http.ResponseWriter, r *http.Request) {
	p.discoveryHits.Add(1)

	p.mu.Lock()
	delay, status := p.discoveryDelay, p.discoveryStatus
	meta := map[string]any{
		"issuer":                                p.Issuer,
		"jwks_uri":                              p.JWKSURI(),
		"authorization_endpoint":                p.Issuer + "/oauth2/auth",
		"token_endpoint":                        p.Issuer + "/oauth2/token",
		"userinfo_endpoint":                     p.Issuer + "/userinfo",
		"response_types_supported":              []string{"code", "id_token"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	for k, v := range p.meta {
		if v == nil {
			delete(meta, k)
			continue
		}
		meta[k] = v
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, http.StatusText(status), status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(meta)
}

func (p *Provider) serveJWKS(w http.ResponseWriter, r *http.Request) {
	p.jwksHits.Add(1)

	p.mu.Lock()
	set := jose.JSONWebKeySet{}
	for _, k := range p.keys {
		set.Keys = append(set.Keys, jose.JSONWebKey{Key: &k.Private.PublicKey, KeyID: k.ID, Algorithm: "RS256", Use: "sig"})
	}
	p.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}
