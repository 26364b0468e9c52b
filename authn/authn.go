package authn

import (
	"context"
	"encoding/json"
	"time"
)

// AuthenticatorInput is everything the calling layer knows about one
// authentication request. It is built once per request and treated as
// immutable.
type AuthenticatorInput struct {
	// AuthenticatorName identifies the authenticator type, e.g. "authn-oidc".
	AuthenticatorName string
	// ServiceID selects one configured instance of the authenticator.
	ServiceID string
	Account   string
	// Origin is the network address the request was received from.
	Origin string
	// Request is the raw request body.
	Request []byte
}

// WebserviceID returns the "name/service" identifier used by the enabled
// authenticators list. When no service id is set only the name is returned.
func (in AuthenticatorInput) WebserviceID() string {
	if in.ServiceID == "" {
		return in.AuthenticatorName
	}
	return in.AuthenticatorName + "/" + in.ServiceID
}

// RawIdentityToken is the identity token as it was found in the request,
// together with the fields the caller claims about it. None of it is
// trusted.
type RawIdentityToken struct {
	Token             string
	ClaimedUsername   string
	ClaimedExpiration time.Time
}

// VerifiedIdentityClaims is the claim set of an identity token whose
// signature and standard claims have been checked. Only the token
// validator produces values of this type.
type VerifiedIdentityClaims struct {
	Issuer    string
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	// Username is the identity the session token is issued for, read from
	// the configured username claim.
	Username string

	raw map[string]any
}

// NewVerifiedIdentityClaims attaches the full claim map to c. It is used by
// the token validator and by test doubles.
func NewVerifiedIdentityClaims(c VerifiedIdentityClaims, raw map[string]any) *VerifiedIdentityClaims {
	dup := make(map[string]any, len(raw))
	for k, v := range raw {
		dup[k] = v
	}
	c.raw = dup
	return &c
}

// Claim returns a single raw claim value.
func (c *VerifiedIdentityClaims) Claim(name string) (any, bool) {
	v, ok := c.raw[name]
	return v, ok
}

// Claims unmarshals the full claim set into ref.
func (c *VerifiedIdentityClaims) Claims(ref any) error {
	b, err := json.Marshal(c.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Validator is a policy check run after the identity token has been
// verified. It returns nil to let the attempt proceed.
type Validator interface {
	Validate(ctx context.Context, in AuthenticatorInput, claims *VerifiedIdentityClaims) error
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(ctx context.Context, in AuthenticatorInput, claims *VerifiedIdentityClaims) error

// Validate implements Validator.
func (f ValidatorFunc) Validate(ctx context.Context, in AuthenticatorInput, claims *VerifiedIdentityClaims) error {
	return f(ctx, in, claims)
}

// TokenRequest describes the session token to mint.
type TokenRequest struct {
	Account  string
	Username string
	Claims   *VerifiedIdentityClaims
}

// TokenFactory mints signed session tokens. Key management lives behind
// this interface.
type TokenFactory interface {
	SignedToken(ctx context.Context, req TokenRequest) ([]byte, error)
}

// TokenFactoryFunc adapts a plain function to the TokenFactory interface.
type TokenFactoryFunc func(ctx context.Context, req TokenRequest) ([]byte, error)

// SignedToken implements TokenFactory.
func (f TokenFactoryFunc) SignedToken(ctx context.Context, req TokenRequest) ([]byte, error) {
	return f(ctx, req)
}
