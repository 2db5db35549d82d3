package security

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dexterr404/watch-room/internal/domain"
)

const uid = "6f1c2a4e-8b1d-4c1e-9a55-0d3b8f7e2a10"

func TestJWT_RoundTrip(t *testing.T) {
	v := NewJWTVerifier("secret", "watch", "authenticated", 0)
	tok, err := v.SignAccessToken(domain.User{
		ID:       uid,
		Email:    "a@b.c",
		Metadata: map[string]any{"avatar_url": "http://x/a.png"},
	}, time.Minute)
	require.NoError(t, err)

	u, err := v.Authenticate(tok)
	require.NoError(t, err)
	assert.Equal(t, uid, u.ID)
	assert.Equal(t, "a@b.c", u.Email)
	assert.Equal(t, "http://x/a.png", u.Metadata["avatar_url"])
}

func TestJWT_Rejects(t *testing.T) {
	v := NewJWTVerifier("secret", "watch", "authenticated", 0)

	_, err := v.Authenticate("")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewJWTVerifier("other", "watch", "authenticated", 0)
	tok, err := other.SignAccessToken(domain.User{ID: uid}, time.Minute)
	require.NoError(t, err)
	_, err = v.Authenticate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong secret")

	wrongIss := NewJWTVerifier("secret", "evil", "authenticated", 0)
	tok, err = wrongIss.SignAccessToken(domain.User{ID: uid}, time.Minute)
	require.NoError(t, err)
	_, err = v.Authenticate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken, "wrong issuer")

	tok, err = v.SignAccessToken(domain.User{ID: "not-a-uuid"}, time.Minute)
	require.NoError(t, err)
	_, err = v.Authenticate(tok)
	assert.ErrorIs(t, err, ErrInvalidSubject)
}

func TestJWT_ExpiryWithSkew(t *testing.T) {
	v := NewJWTVerifier("secret", "", "", 30*time.Second)
	base := time.Now()
	v.now = func() time.Time { return base }
	tok, err := v.SignAccessToken(domain.User{ID: uid}, time.Minute)
	require.NoError(t, err)

	v.now = func() time.Time { return base.Add(80 * time.Second) }
	_, err = v.Authenticate(tok)
	assert.NoError(t, err, "inside skew")

	v.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = v.Authenticate(tok)
	assert.True(t, errors.Is(err, ErrTokenExpired), "got %v", err)
}

func TestJWT_RejectsOtherAlg(t *testing.T) {
	v := NewJWTVerifier("secret", "", "", 0)
	claims := jwt.RegisteredClaims{Subject: uid, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Authenticate(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
