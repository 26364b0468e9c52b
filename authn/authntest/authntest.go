// Package authntest provides test doubles for the collaborators of the OIDC
// authenticator: validators that record their invocation order and a token
// factory that returns a fixed value.
package authntest

import (
	"context"
	"sync"

	"github.com/ggoodman/authn-oidc-go/authn"
)

// Recorder collects the names of validators as they run, so tests can
// assert on ordering across several doubles.
type Recorder struct {
	mu    sync.Mutex
	calls []string
}

// Calls returns the recorded invocation order.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *Recorder) record(name string) {
	r.mu.Lock()
	r.calls = append(r.calls, name)
	r.mu.Unlock()
}

// Validator returns a validator that records name and then returns err.
func (r *Recorder) Validator(name string, err error) *Validator {
	return &Validator{Name: name, Err: err, rec: r}
}

// Validator is a stub authn.Validator.
type Validator struct {
	Name string
	Err  error

	rec   *Recorder
	mu    sync.Mutex
	calls int
	last  *authn.VerifiedIdentityClaims
}

// NewValidator returns a stand-alone stub that fails with err (nil for
// success).
func NewValidator(err error) *Validator { return &Validator{Err: err} }

// Validate implements authn.Validator.
func (v *Validator) Validate(ctx context.Context, in authn.AuthenticatorInput, claims *authn.VerifiedIdentityClaims) error {
	v.mu.Lock()
	v.calls++
	v.last = claims
	v.mu.Unlock()
	if v.rec != nil {
		v.rec.record(v.Name)
	}
	return v.Err
}

// Calls reports how many times Validate ran.
func (v *Validator) Calls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

// LastClaims returns the claims passed to the most recent call.
func (v *Validator) LastClaims() *authn.VerifiedIdentityClaims {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last
}

// TokenFactory returns Token for every request and remembers the requests.
type TokenFactory struct {
	Token []byte
	Err   error

	mu       sync.Mutex
	requests []authn.TokenRequest
}

// NewTokenFactory returns a factory minting token.
func NewTokenFactory(token string) *TokenFactory {
	return &TokenFactory{Token: []byte(token)}
}

// SignedToken implements authn.TokenFactory.
func (f *TokenFactory) SignedToken(ctx context.Context, req authn.TokenRequest) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	return append([]byte(nil), f.Token...), nil
}

// Requests returns every request seen so far.
func (f *TokenFactory) Requests() []authn.TokenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]authn.TokenRequest(nil), f.requests...)
}

var (
	_ authn.Validator    = (*Validator)(nil)
	_ authn.TokenFactory = (*TokenFactory)(nil)
)
