package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dexterr404/watch-room/internal/domain"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Используется SigningMethodHS256: токены выпускает внешний identity provider
// с общим секретом.
type JWTVerifier struct {
	secret    []byte
	issuer    string
	audience  string
	clockSkew time.Duration
	now       func() time.Time
}

func NewJWTVerifier(secret, issuer, audience string, clockSkew time.Duration) *JWTVerifier {
	return &JWTVerifier{
		secret:    []byte(secret),
		issuer:    issuer,
		audience:  audience,
		clockSkew: clockSkew,
		now:       time.Now,
	}
}

type AccessClaims struct {
	jwt.RegisteredClaims // Issuer, Audience, ExpiresAt, NotBefore, IssuedAt, Subject
	Email        string         `json:"email,omitempty"`
	UserMetadata map[string]any `json:"user_metadata,omitempty"`
}

// ParseAndValidate проверяет подпись, iss/aud и временные клеймы с допуском clockSkew.
func (v *JWTVerifier) ParseAndValidate(tokenStr string) (*AccessClaims, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return nil, ErrInvalidToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.clockSkew),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// UserFromClaims собирает domain.User; sub обязан быть UUID.
func UserFromClaims(c *AccessClaims) (*domain.User, error) {
	if c == nil || c.Subject == "" {
		return nil, ErrInvalidSubject
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return nil, ErrInvalidSubject
	}
	return &domain.User{
		ID:       id.String(),
		Email:    c.Email,
		Metadata: c.UserMetadata,
	}, nil
}

// Authenticate = ParseAndValidate + UserFromClaims.
func (v *JWTVerifier) Authenticate(tokenStr string) (*domain.User, error) {
	claims, err := v.ParseAndValidate(tokenStr)
	if err != nil {
		return nil, err
	}
	return UserFromClaims(claims)
}

// SignAccessToken выпускает токен тем же секретом; нужен dev-окружению и тестам.
func (v *JWTVerifier) SignAccessToken(u domain.User, ttl time.Duration) (string, error) {
	now := v.now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-v.clockSkew)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email:        u.Email,
		UserMetadata: u.Metadata,
	}
	if v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
