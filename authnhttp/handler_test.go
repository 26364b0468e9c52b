package authnhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/authn/authntest"
	"github.com/ggoodman/authn-oidc-go/authn/oidc"
	"github.com/ggoodman/authn-oidc-go/internal/oidctest"
)

type fakeAuthenticator struct {
	token     []byte
	err       error
	statusErr error
	last      authn.AuthenticatorInput
}

func (f *fakeAuthenticator) Authenticate(ctx context.Context, in authn.AuthenticatorInput) ([]byte, error) {
	f.last = in
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func (f *fakeAuthenticator) Status(ctx context.Context, in authn.AuthenticatorInput) error {
	f.last = in
	return f.statusErr
}

func postForm(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) (int, string) {
	t.Helper()
	var body struct {
		Error struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v (%s)", err, rr.Body.String())
	}
	return body.Error.Code, body.Error.Message
}

func TestAuthenticate_OK(t *testing.T) {
	fa := &fakeAuthenticator{token: []byte(`{"protected":"x"}`)}
	h := New(fa)

	rr := postForm(h, "/authn-oidc/okta/acme/authenticate", "id_token_encrypted=abc")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != `{"protected":"x"}` {
		t.Fatalf("body = %q", rr.Body.String())
	}
	if fa.last.AuthenticatorName != "authn-oidc" || fa.last.ServiceID != "okta" || fa.last.Account != "acme" {
		t.Fatalf("unexpected input: %+v", fa.last)
	}
	if string(fa.last.Request) != "id_token_encrypted=abc" {
		t.Fatalf("request body = %q", fa.last.Request)
	}
	if fa.last.Origin == "" {
		t.Fatalf("origin not populated")
	}
}

func TestAuthenticate_ContentType(t *testing.T) {
	h := New(&fakeAuthenticator{token: []byte("t")})
	req := httptest.NewRequest(http.MethodPost, "/authn-oidc/okta/acme/authenticate", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAuthenticate_BodyTooLarge(t *testing.T) {
	h := New(&fakeAuthenticator{token: []byte("t")}, WithMaxBodyBytes(8))
	rr := postForm(h, "/authn-oidc/okta/acme/authenticate", "id_token_encrypted=abcdefghijkl")
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestAuthenticate_ErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		msg    string
	}{
		{"malformed", authn.NewError(authn.KindMalformedRequest, "id_token_encrypted", nil), http.StatusBadRequest, "malformed authentication request"},
		{"not enabled", authn.NewError(authn.KindAuthenticatorNotEnabled, "authn-oidc/okta", nil), http.StatusNotFound, "authenticator not enabled"},
		{"discovery timeout", authn.NewError(authn.KindProviderDiscoveryTimeout, "https://idp", context.DeadlineExceeded), http.StatusGatewayTimeout, "identity provider unavailable"},
		{"certs", authn.NewError(authn.KindCertificateFetchFailed, "https://idp/keys", nil), http.StatusBadGateway, "identity provider unavailable"},
		{"bad signature", authn.Rejected(authn.ReasonBadSignature, errors.New("crypto/rsa: verification error")), http.StatusUnauthorized, "authentication failed"},
		{"origin", authn.NewError(authn.KindOriginValidationFailed, "10.0.0.1", nil), http.StatusUnauthorized, "authentication failed"},
		{"foreign", errors.New("FAKE_SECURITY_ERROR"), http.StatusUnauthorized, "authentication failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(&fakeAuthenticator{err: tc.err})
			rr := postForm(h, "/authn-oidc/okta/acme/authenticate", "id_token_encrypted=abc")
			if rr.Code != tc.status {
				t.Fatalf("status = %d, want %d", rr.Code, tc.status)
			}
			code, msg := decodeError(t, rr)
			if code != tc.status || msg != tc.msg {
				t.Fatalf("error body = %d %q", code, msg)
			}
			if strings.Contains(rr.Body.String(), "crypto/rsa") {
				t.Fatalf("cause leaked to caller: %s", rr.Body.String())
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	fa := &fakeAuthenticator{}
	h := New(fa, WithOriginFunc(func(*http.Request) string { return "203.0.113.9" }))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/authn-oidc/okta/acme/status", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if fa.last.Origin != "203.0.113.9" {
		t.Fatalf("origin func not used: %q", fa.last.Origin)
	}

	fa.statusErr = authn.NewError(authn.KindProviderDiscoveryFailed, "https://idp", nil)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/authn-oidc/okta/acme/status", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := New(&fakeAuthenticator{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/authn-oidc/okta/acme/authenticate", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestHandler_EndToEnd(t *testing.T) {
	key := oidctest.NewKey(t, "k1")
	p := oidctest.NewProvider(t, key)
	a, err := oidc.New(authntest.NewTokenFactory(`"session"`),
		oidc.WithEnabledAuthenticators(authn.ParseEnabledAuthenticators("authn-oidc/okta")),
		oidc.WithProvider(oidc.ProviderSettings{ProviderURI: p.URL()}),
		oidc.WithHTTPClient(p.Client()),
	)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	defer a.Close()
	h := New(a)

	tok := oidctest.Sign(t, key, p.Claims("alice", time.Hour))
	rr := postForm(h, "/authn-oidc/okta/acme/authenticate", "id_token_encrypted="+tok+"&user_name=alice")
	if rr.Code != http.StatusOK || rr.Body.String() != `"session"` {
		t.Fatalf("authenticate: %d %s", rr.Code, rr.Body.String())
	}

	rr = postForm(h, "/authn-oidc/other/acme/authenticate", "id_token_encrypted="+tok)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("disabled service: %d %s", rr.Code, rr.Body.String())
	}
}

func TestAuthenticate_TokenContentType(t *testing.T) {
	cases := []struct {
		name  string
		token string
		opts  []Option
		want  string
	}{
		{name: "json token", token: `{"protected":"x"}`, want: "application/json"},
		{name: "opaque token", token: "A NICE NEW TOKEN", want: "application/octet-stream"},
		{name: "override", token: "A NICE NEW TOKEN", opts: []Option{WithTokenContentType("application/jwt")}, want: "application/jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(&fakeAuthenticator{token: []byte(tc.token)}, tc.opts...)
			rr := postForm(h, "/authn-oidc/okta/acme/authenticate", "id_token_encrypted=abc")
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d (%s)", rr.Code, rr.Body.String())
			}
			if got := rr.Header().Get("Content-Type"); got != tc.want {
				t.Fatalf("content-type = %q, want %q", got, tc.want)
			}
			if rr.Body.String() != tc.token {
				t.Fatalf("body = %q", rr.Body.String())
			}
		})
	}
}
