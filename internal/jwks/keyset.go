package jwks

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknownKeyID is returned when a token names a key id that is not part
// of the set. It is the signal for a forced refresh.
var ErrUnknownKeyID = errors.New("jwks: unknown key id")

// ErrMissingKeyID is returned when a token carries no kid and the set
// cannot pick a key unambiguously.
var ErrMissingKeyID = errors.New("jwks: token has no key id")

// KeySet is a parsed JWKS document: signing keys indexed by key id.
// A KeySet is immutable once built.
type KeySet struct {
	URI       string
	FetchedAt time.Time

	raw  json.RawMessage
	keys map[string]jose.JSONWebKey
	kf   keyfunc.Keyfunc
}

// Parse builds a KeySet from a JWKS document. Keys marked for encryption
// and private keys are ignored. A document without any usable key is an
// error.
func Parse(uri string, raw []byte, fetchedAt time.Time) (*KeySet, error) {
	var doc jose.JSONWebKeySet
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("jwks: decode: %w", err)
	}

	keys := make(map[string]jose.JSONWebKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Use == "enc" || !k.IsPublic() || !k.Valid() {
			continue
		}
		keys[k.KeyID] = k
	}
	if len(keys) == 0 {
		return nil, errors.New("jwks: no usable signing keys")
	}

	set := &KeySet{
		URI:       uri,
		FetchedAt: fetchedAt,
		raw:       append(json.RawMessage(nil), raw...),
		keys:      keys,
	}
	// keyfunc enforces the JWK's alg and use against the token header. Key
	// types it does not understand fall back to the jose key below.
	if kf, err := keyfunc.NewJWKSetJSON(set.raw); err == nil {
		set.kf = kf
	}
	return set, nil
}

// Len returns the number of usable keys.
func (s *KeySet) Len() int { return len(s.keys) }

// KeyIDs returns the key ids in sorted order.
func (s *KeySet) KeyIDs() []string {
	out := make([]string, 0, len(s.keys))
	for kid := range s.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

// Has reports whether kid is part of the set.
func (s *KeySet) Has(kid string) bool {
	_, ok := s.keys[kid]
	return ok
}

// Raw returns the JWKS document the set was parsed from.
func (s *KeySet) Raw() []byte { return append([]byte(nil), s.raw...) }

// Keyfunc resolves the verification key for t. It returns ErrUnknownKeyID
// when the token's kid is not in the set.
func (s *KeySet) Keyfunc(t *jwt.Token) (any, error) {
	kid, _ := t.Header["kid"].(string)
	if kid == "" {
		if k, ok := s.keys[""]; ok {
			return checkAlg(k, t)
		}
		if len(s.keys) == 1 {
			for _, k := range s.keys {
				return checkAlg(k, t)
			}
		}
		return nil, ErrMissingKeyID
	}

	k, ok := s.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKeyID, kid)
	}
	if s.kf != nil {
		return s.kf.Keyfunc(t)
	}
	return checkAlg(k, t)
}

func checkAlg(k jose.JSONWebKey, t *jwt.Token) (any, error) {
	if k.Algorithm != "" && t.Method != nil && k.Algorithm != t.Method.Alg() {
		return nil, fmt.Errorf("jwks: key %q is for %s, token uses %s", k.KeyID, k.Algorithm, t.Method.Alg())
	}
	return k.Key, nil
}
