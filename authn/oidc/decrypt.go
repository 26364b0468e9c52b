package oidc

import (
	"context"

	"github.com/ggoodman/authn-oidc-go/authn"
	jose "github.com/go-jose/go-jose/v4"
)

// TokenDecrypter turns the identity token field of a request into a signed
// identity token. It is only needed when clients encrypt the token to the
// gateway.
type TokenDecrypter interface {
	DecryptToken(ctx context.Context, token string) (string, error)
}

// JWEDecrypter decrypts compact JWE serialized tokens.
type JWEDecrypter struct {
	key        any
	keyAlgs    []jose.KeyAlgorithm
	contentEnc []jose.ContentEncryption
}

// NewJWEDecrypter returns a decrypter for key (an *rsa.PrivateKey,
// *ecdsa.PrivateKey or symmetric []byte, as accepted by go-jose).
func NewJWEDecrypter(key any) *JWEDecrypter {
	return &JWEDecrypter{
		key: key,
		keyAlgs: []jose.KeyAlgorithm{
			jose.RSA_OAEP_256,
			jose.RSA_OAEP,
			jose.ECDH_ES,
			jose.ECDH_ES_A128KW,
			jose.ECDH_ES_A256KW,
			jose.A128KW,
			jose.A256KW,
			jose.DIRECT,
		},
		contentEnc: []jose.ContentEncryption{
			jose.A128GCM,
			jose.A256GCM,
			jose.A128CBC_HS256,
			jose.A256CBC_HS512,
		},
	}
}

// DecryptToken implements TokenDecrypter. Failures are reported as token
// verification failures.
func (d *JWEDecrypter) DecryptToken(ctx context.Context, token string) (string, error) {
	obj, err := jose.ParseEncrypted(token, d.keyAlgs, d.contentEnc)
	if err != nil {
		return "", authn.Rejected(authn.ReasonBadEncryption, err)
	}
	plaintext, err := obj.Decrypt(d.key)
	if err != nil {
		return "", authn.Rejected(authn.ReasonBadEncryption, err)
	}
	return string(plaintext), nil
}

var _ TokenDecrypter = (*JWEDecrypter)(nil)
