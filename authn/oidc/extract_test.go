package oidc

import (
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
)

func TestExtractToken(t *testing.T) {
	body := []byte("id_token_encrypted=some-id-token-encrypted&user_name=my-user&expiration_time=1234567\n")

	raw, err := ExtractToken(body)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if raw.Token != "some-id-token-encrypted" {
		t.Fatalf("token = %q", raw.Token)
	}
	if raw.ClaimedUsername != "my-user" {
		t.Fatalf("username = %q", raw.ClaimedUsername)
	}
	if !raw.ClaimedExpiration.Equal(time.Unix(1234567, 0)) {
		t.Fatalf("expiration = %v", raw.ClaimedExpiration)
	}
}

func TestExtractToken_OnlyTokenRequired(t *testing.T) {
	raw, err := ExtractToken([]byte("id_token_encrypted=abc"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if raw.ClaimedUsername != "" || !raw.ClaimedExpiration.IsZero() {
		t.Fatalf("expected empty claimed fields, got %+v", raw)
	}
}

func TestExtractToken_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"missing token":    "user_name=my-user&expiration_time=1",
		"blank token":      "id_token_encrypted=%20%20",
		"bad escape":       "id_token_encrypted=%zz",
		"bad expiration":   "id_token_encrypted=abc&expiration_time=tomorrow",
		"float expiration": "id_token_encrypted=abc&expiration_time=1.5",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ExtractToken([]byte(body))
			if !errors.Is(err, authn.ErrMalformedRequest) {
				t.Fatalf("expected malformed request, got %v", err)
			}
		})
	}
}
