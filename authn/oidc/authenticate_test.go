package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/authn/authntest"
	"github.com/ggoodman/authn-oidc-go/internal/oidctest"
)

const niceToken = "A NICE NEW TOKEN"

var scenarioBody = []byte("id_token_encrypted=some-id-token-encrypted&user_name=my-user&expiration_time=1234567")

func scenarioInput() authn.AuthenticatorInput {
	return authn.AuthenticatorInput{
		AuthenticatorName: DefaultAuthenticatorName,
		ServiceID:         "my-service",
		Account:           "my-acct",
		Origin:            "127.0.0.1",
		Request:           scenarioBody,
	}
}

// stubVerifier returns fixed claims (or err) and counts its calls.
type stubVerifier struct {
	claims *authn.VerifiedIdentityClaims
	err    error
	calls  atomic.Int64
	token  atomic.Value
}

func (s *stubVerifier) VerifyIdentity(ctx context.Context, p ProviderSettings, tok *authn.RawIdentityToken) (*authn.VerifiedIdentityClaims, error) {
	s.calls.Add(1)
	s.token.Store(tok.Token)
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

func verifiedClaims(username string) *authn.VerifiedIdentityClaims {
	return authn.NewVerifiedIdentityClaims(authn.VerifiedIdentityClaims{
		Issuer:    "https://idp.example.com",
		Subject:   username,
		Username:  username,
		ExpiresAt: time.Now().Add(time.Hour),
		IssuedAt:  time.Now(),
	}, map[string]any{"sub": username})
}

type harness struct {
	auth     *Authenticator
	verifier *stubVerifier
	rec      *authntest.Recorder
	security *authntest.Validator
	origin   *authntest.Validator
	tokens   *authntest.TokenFactory
}

func newHarness(t *testing.T, securityErr, originErr, verifyErr error, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		verifier: &stubVerifier{claims: verifiedClaims("my-user"), err: verifyErr},
		rec:      &authntest.Recorder{},
		tokens:   authntest.NewTokenFactory(niceToken),
	}
	h.security = h.rec.Validator("security", securityErr)
	h.origin = h.rec.Validator("origin", originErr)

	base := []Option{
		WithProvider(ProviderSettings{ProviderURI: "https://idp.example.com"}),
		WithIdentityVerifier(h.verifier),
		WithSecurityValidator(h.security),
		WithOriginValidator(h.origin),
	}
	a, err := New(h.tokens, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	h.auth = a
	return h
}

func TestAuthenticate_ReturnsFactoryToken(t *testing.T) {
	h := newHarness(t, nil, nil, nil)

	got, err := h.auth.Authenticate(context.Background(), scenarioInput())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if string(got) != niceToken {
		t.Fatalf("token = %q", got)
	}
	if tok, _ := h.verifier.token.Load().(string); tok != "some-id-token-encrypted" {
		t.Fatalf("verifier saw token %q", tok)
	}
	reqs := h.tokens.Requests()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 token request, got %d", len(reqs))
	}
	if reqs[0].Account != "my-acct" || reqs[0].Username != "my-user" || reqs[0].Claims == nil {
		t.Fatalf("unexpected token request: %+v", reqs[0])
	}
	if calls := h.rec.Calls(); strings.Join(calls, ",") != "security,origin" {
		t.Fatalf("validator order = %v", calls)
	}
}

func TestAuthenticate_PropagatesVerifierError(t *testing.T) {
	h := newHarness(t, nil, nil, errors.New("FAKE_OIDC_ERROR"))

	_, err := h.auth.Authenticate(context.Background(), scenarioInput())
	if err == nil || !strings.Contains(err.Error(), "FAKE_OIDC_ERROR") {
		t.Fatalf("expected FAKE_OIDC_ERROR, got %v", err)
	}
	if h.security.Calls() != 0 || h.origin.Calls() != 0 {
		t.Fatalf("validators ran after verification failure")
	}
	if len(h.tokens.Requests()) != 0 {
		t.Fatalf("token factory invoked")
	}
}

func TestAuthenticate_SecurityFailureStopsPipeline(t *testing.T) {
	fake := errors.New("FAKE_SECURITY_ERROR")
	h := newHarness(t, fake, nil, nil)

	_, err := h.auth.Authenticate(context.Background(), scenarioInput())
	if err != fake {
		t.Fatalf("expected the security error unchanged, got %v", err)
	}
	if h.origin.Calls() != 0 {
		t.Fatalf("origin validator ran after security failure")
	}
	if len(h.tokens.Requests()) != 0 {
		t.Fatalf("token factory invoked")
	}
}

func TestAuthenticate_OriginFailureAfterSecurity(t *testing.T) {
	fake := errors.New("FAKE_ORIGIN_ERROR")
	h := newHarness(t, nil, fake, nil)

	_, err := h.auth.Authenticate(context.Background(), scenarioInput())
	if err != fake {
		t.Fatalf("expected the origin error unchanged, got %v", err)
	}
	if calls := h.rec.Calls(); strings.Join(calls, ",") != "security,origin" {
		t.Fatalf("validator order = %v", calls)
	}
	if len(h.tokens.Requests()) != 0 {
		t.Fatalf("token factory invoked")
	}
}

func TestAuthenticate_NotEnabled(t *testing.T) {
	h := newHarness(t, nil, nil, nil, WithEnabledAuthenticators(authn.ParseEnabledAuthenticators("authn-oidc/other")))

	_, err := h.auth.Authenticate(context.Background(), scenarioInput())
	if !errors.Is(err, authn.ErrAuthenticatorNotEnabled) {
		t.Fatalf("expected not enabled, got %v", err)
	}
	if h.verifier.calls.Load() != 0 {
		t.Fatalf("verifier ran for a disabled authenticator")
	}

	in := scenarioInput()
	in.ServiceID = "other"
	if _, err := h.auth.Authenticate(context.Background(), in); err != nil {
		t.Fatalf("enabled service rejected: %v", err)
	}
}

func TestAuthenticate_MalformedRequest(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	in := scenarioInput()
	in.Request = []byte("user_name=my-user")

	_, err := h.auth.Authenticate(context.Background(), in)
	if !errors.Is(err, authn.ErrMalformedRequest) {
		t.Fatalf("expected malformed request, got %v", err)
	}
	if h.verifier.calls.Load() != 0 {
		t.Fatalf("verifier ran for a malformed request")
	}
}

func TestAuthenticate_UsernameMismatch(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	h.verifier.claims = verifiedClaims("someone-else")

	_, err := h.auth.Authenticate(context.Background(), scenarioInput())
	if authn.ReasonOf(err) != authn.ReasonUsernameMismatch {
		t.Fatalf("expected username mismatch, got %v", err)
	}
	if h.security.Calls() != 0 {
		t.Fatalf("security validator ran after mismatch")
	}
}

func TestAuthenticate_Idempotent(t *testing.T) {
	h := newHarness(t, nil, nil, nil)
	for i := 0; i < 2; i++ {
		got, err := h.auth.Authenticate(context.Background(), scenarioInput())
		if err != nil || string(got) != niceToken {
			t.Fatalf("attempt %d: %q, %v", i, got, err)
		}
	}
	if n := len(h.tokens.Requests()); n != 2 {
		t.Fatalf("expected 2 independent token requests, got %d", n)
	}

	in := scenarioInput()
	in.Request = nil
	_, err1 := h.auth.Authenticate(context.Background(), in)
	_, err2 := h.auth.Authenticate(context.Background(), in)
	if authn.KindOf(err1) != authn.KindMalformedRequest || authn.KindOf(err1) != authn.KindOf(err2) {
		t.Fatalf("kinds differ: %v / %v", err1, err2)
	}
}

func TestAuthenticate_CancelledBeforeIssue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tokens := authntest.NewTokenFactory(niceToken)
	a, err := New(tokens,
		WithProvider(ProviderSettings{ProviderURI: "https://idp.example.com"}),
		WithIdentityVerifier(&stubVerifier{claims: verifiedClaims("my-user")}),
		WithOriginValidator(authn.ValidatorFunc(func(ctx context.Context, in authn.AuthenticatorInput, c *authn.VerifiedIdentityClaims) error {
			cancel()
			return nil
		})),
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	got, err := a.Authenticate(ctx, scenarioInput())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %q, %v", got, err)
	}
	if got != nil || len(tokens.Requests()) != 0 {
		t.Fatalf("token issued after cancellation")
	}
}

func TestAuthenticate_FactoryError(t *testing.T) {
	fake := errors.New("signing key unavailable")
	h := newHarness(t, nil, nil, nil)
	h.tokens.Err = fake

	if _, err := h.auth.Authenticate(context.Background(), scenarioInput()); err != fake {
		t.Fatalf("expected factory error unchanged, got %v", err)
	}
}

func TestNew_RequiresTokenFactory(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("expected error for nil token factory")
	}
}

func TestAuthenticate_NoProviderConfigured(t *testing.T) {
	a, err := New(authntest.NewTokenFactory(niceToken))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	_, err = a.Authenticate(context.Background(), scenarioInput())
	if !errors.Is(err, authn.ErrProviderDiscoveryFailed) {
		t.Fatalf("expected discovery failure, got %v", err)
	}
}

// Integration tests against an in-process identity provider.

func idTokenBody(tok string) []byte {
	return []byte(url.Values{FieldIDToken: {tok}}.Encode())
}

func newProviderAuthenticator(t *testing.T, p *oidctest.Provider, tokens authn.TokenFactory, opts ...Option) *Authenticator {
	t.Helper()
	base := []Option{
		WithProvider(ProviderSettings{ProviderURI: p.URL()}),
		WithHTTPClient(p.Client()),
	}
	a, err := New(tokens, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func providerInput(body []byte) authn.AuthenticatorInput {
	in := scenarioInput()
	in.Request = body
	return in
}

func TestAuthenticate_Provider(t *testing.T) {
	key := oidctest.NewKey(t, "k1")
	p := oidctest.NewProvider(t, key)
	tokens := authntest.NewTokenFactory(niceToken)
	a := newProviderAuthenticator(t, p, tokens)

	tok := oidctest.Sign(t, key, p.Claims("alice", time.Hour))
	got, err := a.Authenticate(context.Background(), providerInput(idTokenBody(tok)))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if string(got) != niceToken {
		t.Fatalf("token = %q", got)
	}
	req := tokens.Requests()[0]
	if req.Username != "alice" || req.Claims.Issuer != p.Issuer {
		t.Fatalf("unexpected request: %+v", req)
	}

	// Second attempt is served from cache.
	if _, err := a.Authenticate(context.Background(), providerInput(idTokenBody(tok))); err != nil {
		t.Fatalf("second authenticate: %v", err)
	}
	if p.DiscoveryHits() != 1 || p.JWKSHits() != 1 {
		t.Fatalf("expected cached metadata and keys, hits discovery=%d jwks=%d", p.DiscoveryHits(), p.JWKSHits())
	}
}

func TestAuthenticate_ProviderUsernameClaim(t *testing.T) {
	key := oidctest.NewKey(t, "k1")
	p := oidctest.NewProvider(t, key)
	tokens := authntest.NewTokenFactory(niceToken)
	a := newProviderAuthenticator(t, p, tokens,
		WithProvider(ProviderSettings{ProviderURI: p.URL(), UsernameClaim: "email", Audience: "conjur"}))

	claims := p.Claims("alice", time.Hour)
	claims["email"] = "alice@example.com"
	claims["aud"] = "conjur"
	body := []byte(url.Values{
		FieldIDToken:  {oidctest.Sign(t, key, claims)},
		FieldUsername: {"alice@example.com"},
	}.Encode())

	if _, err := a.Authenticate(context.Background(), providerInput(body)); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := tokens.Requests()[0].Username; got != "alice@example.com" {
		t.Fatalf("username = %q", got)
	}

	claims["aud"] = "someone-else"
	_, err := a.Authenticate(context.Background(), providerInput(idTokenBody(oidctest.Sign(t, key, claims))))
	if authn.ReasonOf(err) != authn.ReasonAudienceMismatch {
		t.Fatalf("expected audience mismatch, got %v", err)
	}
}

func TestAuthenticate_KeyRotationRefreshesOnce(t *testing.T) {
	k1 := oidctest.NewKey(t, "k1")
	k2 := oidctest.NewKey(t, "k2")
	p := oidctest.NewProvider(t, k1)
	a := newProviderAuthenticator(t, p, authntest.NewTokenFactory(niceToken))

	if _, err := a.Authenticate(context.Background(), providerInput(idTokenBody(oidctest.Sign(t, k1, p.Claims("alice", time.Hour))))); err != nil {
		t.Fatalf("warm up: %v", err)
	}

	p.SetKeys(k1, k2)
	if _, err := a.Authenticate(context.Background(), providerInput(idTokenBody(oidctest.Sign(t, k2, p.Claims("alice", time.Hour))))); err != nil {
		t.Fatalf("authenticate with rotated key: %v", err)
	}
	if got := p.JWKSHits(); got != 2 {
		t.Fatalf("expected exactly one forced refresh, jwks hits = %d", got)
	}
}

func TestAuthenticate_UnknownKeyAfterRefresh(t *testing.T) {
	k1 := oidctest.NewKey(t, "k1")
	rogue := oidctest.NewKey(t, "rogue")
	p := oidctest.NewProvider(t, k1)
	tokens := authntest.NewTokenFactory(niceToken)
	a := newProviderAuthenticator(t, p, tokens, WithMinRefreshInterval(0))

	_, err := a.Authenticate(context.Background(), providerInput(idTokenBody(oidctest.Sign(t, rogue, p.Claims("alice", time.Hour)))))
	if !errors.Is(err, authn.ErrTokenVerificationFailed) {
		t.Fatalf("expected verification failure, got %v", err)
	}
	if authn.ReasonOf(err) != authn.ReasonUnknownKeyID {
		t.Fatalf("reason = %q", authn.ReasonOf(err))
	}
	if got := p.JWKSHits(); got != 2 {
		t.Fatalf("expected initial fetch plus one refresh, jwks hits = %d", got)
	}
	if len(tokens.Requests()) != 0 {
		t.Fatalf("token issued for unknown key")
	}
}

func TestAuthenticate_Expired(t *testing.T) {
	key := oidctest.NewKey(t, "k1")
	p := oidctest.NewProvider(t, key)
	a := newProviderAuthenticator(t, p, authntest.NewTokenFactory(niceToken))

	claims := p.Claims("alice", -time.Hour)
	_, err := a.Authenticate(context.Background(), providerInput(idTokenBody(oidctest.Sign(t, key, claims))))
	if authn.ReasonOf(err) != authn.ReasonExpired {
		t.Fatalf("expected expired, got %v", err)
	}
	if authn.PublicMessage(err) != "authentication failed" {
		t.Fatalf("public message leaks detail: %q", authn.PublicMessage(err))
	}
}

func TestAuthenticate_DiscoveryTimeout(t *testing.T) {
	p := oidctest.NewProvider(t, oidctest.NewKey(t, "k1"))
	p.SetDiscoveryDelay(2 * time.Second)
	a := newProviderAuthenticator(t, p, authntest.NewTokenFactory(niceToken), WithHTTPTimeout(50*time.Millisecond))

	_, err := a.Authenticate(context.Background(), scenarioInput())
	if !errors.Is(err, authn.ErrProviderDiscoveryTimeout) {
		t.Fatalf("expected discovery timeout, got %v", err)
	}
}

func TestAuthenticate_DiscoveryFailed(t *testing.T) {
	p := oidctest.NewProvider(t, oidctest.NewKey(t, "k1"))
	p.SetDiscoveryStatus(http.StatusInternalServerError)
	a := newProviderAuthenticator(t, p, authntest.NewTokenFactory(niceToken))

	_, err := a.Authenticate(context.Background(), scenarioInput())
	if !errors.Is(err, authn.ErrProviderDiscoveryFailed) {
		t.Fatalf("expected discovery failure, got %v", err)
	}
	if errors.Is(err, authn.ErrProviderDiscoveryTimeout) {
		t.Fatalf("failure reported as timeout")
	}
}

func TestAuthenticate_EncryptedToken(t *testing.T) {
	key := oidctest.NewKey(t, "k1")
	p := oidctest.NewProvider(t, key)
	a := newProviderAuthenticator(t, p, authntest.NewTokenFactory(niceToken), WithTokenDecrypter(NewJWEDecrypter(key.Private)))

	jwe := encryptTo(t, &key.Private.PublicKey, oidctest.Sign(t, key, p.Claims("alice", time.Hour)))
	if _, err := a.Authenticate(context.Background(), providerInput(idTokenBody(jwe))); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
}

func TestStatus(t *testing.T) {
	p := oidctest.NewProvider(t, oidctest.NewKey(t, "k1"))
	a := newProviderAuthenticator(t, p, authntest.NewTokenFactory(niceToken))

	if err := a.Status(context.Background(), scenarioInput()); err != nil {
		t.Fatalf("status: %v", err)
	}

	in := scenarioInput()
	in.AuthenticatorName = "authn-jwt"
	if err := a.Status(context.Background(), in); !errors.Is(err, authn.ErrAuthenticatorNotEnabled) {
		t.Fatalf("expected not enabled, got %v", err)
	}
}

func TestNewFromConfig(t *testing.T) {
	key := oidctest.NewKey(t, "k1")
	p := oidctest.NewProvider(t, key)
	cfg := authn.Config{
		Authenticators:     "authn-oidc/my-service",
		ProviderURI:        p.URL(),
		UsernameClaim:      "sub",
		AllowedAlgs:        []string{"RS256"},
		Leeway:             30 * time.Second,
		HTTPTimeout:        5 * time.Second,
		MetadataTTL:        time.Minute,
		KeySetTTL:          time.Minute,
		MinRefreshInterval: time.Second,
		CacheMaxItems:      16,
	}

	a, err := NewFromConfig(context.Background(), cfg, authntest.NewTokenFactory(niceToken), WithHTTPClient(p.Client()))
	if err != nil {
		t.Fatalf("new from config: %v", err)
	}
	defer a.Close()

	got, err := a.Authenticate(context.Background(), providerInput(idTokenBody(oidctest.Sign(t, key, p.Claims("alice", time.Hour)))))
	if err != nil || string(got) != niceToken {
		t.Fatalf("authenticate: %q, %v", got, err)
	}

	cfg.UsernameClaim = ""
	if _, err := NewFromConfig(context.Background(), cfg, authntest.NewTokenFactory(niceToken)); err == nil {
		t.Fatalf("expected invalid config to be rejected")
	}
}

func TestAuthenticate_StaticKeySet(t *testing.T) {
	key := oidctest.NewKey(t, "k1")
	p := oidctest.NewProvider(t, key)
	tokens := authntest.NewTokenFactory(niceToken)
	a := newProviderAuthenticator(t, p, tokens,
		WithProvider(ProviderSettings{JWKSURI: p.JWKSURI(), Issuer: p.Issuer}))

	tok := oidctest.Sign(t, key, p.Claims("alice", time.Hour))
	if _, err := a.Authenticate(context.Background(), providerInput(idTokenBody(tok))); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if err := a.Status(context.Background(), scenarioInput()); err != nil {
		t.Fatalf("status: %v", err)
	}
	if p.DiscoveryHits() != 0 {
		t.Fatalf("discovery used with a static key set: %d hits", p.DiscoveryHits())
	}

	claims := p.Claims("alice", time.Hour)
	claims["iss"] = "https://elsewhere.example.com"
	_, err := a.Authenticate(context.Background(), providerInput(idTokenBody(oidctest.Sign(t, key, claims))))
	if authn.ReasonOf(err) != authn.ReasonIssuerMismatch {
		t.Fatalf("expected issuer mismatch, got %v", err)
	}
}

func TestNewFromConfig_MemoryCacheUsesClock(t *testing.T) {
	p := oidctest.NewProvider(t, oidctest.NewKey(t, "k1"))
	var now atomic.Int64
	now.Store(time.Date(2023, 11, 14, 0, 0, 0, 0, time.UTC).Unix())
	clock := func() time.Time { return time.Unix(now.Load(), 0) }

	cfg := authn.Config{
		Authenticators: "authn-oidc",
		ProviderURI:    p.URL(),
		UsernameClaim:  "sub",
		AllowedAlgs:    []string{"RS256"},
		HTTPTimeout:    5 * time.Second,
		MetadataTTL:    time.Minute,
		KeySetTTL:      time.Minute,
		CacheMaxItems:  16,
	}
	a, err := NewFromConfig(context.Background(), cfg, authntest.NewTokenFactory(niceToken), WithHTTPClient(p.Client()), WithClock(clock))
	if err != nil {
		t.Fatalf("new from config: %v", err)
	}
	defer a.Close()

	if err := a.Status(context.Background(), scenarioInput()); err != nil {
		t.Fatalf("status: %v", err)
	}
	if err := a.Status(context.Background(), scenarioInput()); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := p.DiscoveryHits(); got != 1 {
		t.Fatalf("discovery hits before expiry = %d, want 1", got)
	}

	now.Add(int64((2 * time.Minute).Seconds()))
	if err := a.Status(context.Background(), scenarioInput()); err != nil {
		t.Fatalf("status: %v", err)
	}
	if got := p.DiscoveryHits(); got != 2 {
		t.Fatalf("discovery hits after expiry = %d, want 2", got)
	}
}
