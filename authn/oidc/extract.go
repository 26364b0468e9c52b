package oidc

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
)

// Form fields of an authentication request body.
const (
	FieldIDToken    = "id_token_encrypted"
	FieldUsername   = "user_name"
	FieldExpiration = "expiration_time"
)

// ExtractToken parses a form encoded request body into a RawIdentityToken.
// Only the identity token field is required. The claimed username and
// expiration are passed through without any trust decision.
func ExtractToken(body []byte) (*authn.RawIdentityToken, error) {
	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		return nil, authn.NewError(authn.KindMalformedRequest, "", err)
	}

	tok := strings.TrimSpace(values.Get(FieldIDToken))
	if tok == "" {
		return nil, authn.NewError(authn.KindMalformedRequest, FieldIDToken, errors.New("field is required"))
	}

	raw := &authn.RawIdentityToken{
		Token:           tok,
		ClaimedUsername: strings.TrimSpace(values.Get(FieldUsername)),
	}
	if s := strings.TrimSpace(values.Get(FieldExpiration)); s != "" {
		secs, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, authn.NewError(authn.KindMalformedRequest, FieldExpiration, fmt.Errorf("not an epoch timestamp: %q", s))
		}
		raw.ClaimedExpiration = time.Unix(secs, 0)
	}
	return raw, nil
}
