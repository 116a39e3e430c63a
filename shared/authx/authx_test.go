package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

type staticKeys map[string]any

func (s staticKeys) Key(_ context.Context, kid string) (any, error) {
	k, ok := s[kid]
	if !ok {
		return nil, ErrUnknownKID
	}
	return k, nil
}

func TestParseRoles(t *testing.T) {
	claims := map[string]any{
		"roles": []any{"admin", "operator"},
		"scp":   "read write admin",
	}
	roles := parseRoles(claims)
	require.Equal(t, []string{"admin", "operator", "read", "write"}, roles)
}

func TestNewJWTVerifierValidation(t *testing.T) {
	_, err := NewJWTVerifier(context.Background(), VerifierConfig{Audience: "aud"})
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifySignedToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	v := NewJWTVerifierWithKeys(staticKeys{"k1": &priv.PublicKey}, VerifierConfig{
		Issuer:   "https://issuer.test",
		Audience: "contacts",
	})

	sign := func(kid string, claims jwt.MapClaims) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
		tok.Header["kid"] = kid
		s, err := tok.SignedString(priv)
		require.NoError(t, err)
		return s
	}
	now := time.Now()
	base := jwt.MapClaims{
		"iss":   "https://issuer.test",
		"aud":   "contacts",
		"sub":   "operator-1",
		"exp":   now.Add(time.Minute).Unix(),
		"nbf":   now.Add(-time.Minute).Unix(),
		"roles": []string{"integration-admin"},
	}

	p, err := v.Verify(context.Background(), sign("k1", base))
	require.NoError(t, err)
	require.Equal(t, "operator-1", p.Subject)
	require.True(t, p.HasRole("integration-admin"))
	require.False(t, p.HasRole("viewer"))

	_, err = v.Verify(context.Background(), sign("unknown", base))
	require.True(t, errors.Is(err, ErrInvalidToken))

	expired := jwt.MapClaims{}
	for k, val := range base {
		expired[k] = val
	}
	expired["exp"] = now.Add(-time.Hour).Unix()
	_, err = v.Verify(context.Background(), sign("k1", expired))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestPrincipalContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)
	ctx := WithPrincipal(context.Background(), Principal{Subject: "s"})
	p, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "s", p.Subject)
}
