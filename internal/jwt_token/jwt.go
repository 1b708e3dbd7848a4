// Package jwttoken mints and validates the short-lived HS256 access tokens
// that accompany refresh tokens.
package jwttoken

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/requestcontext"
)

// AccessClaims binds an access token to the refresh token family that issued
// it, so revoking the family also invalidates outstanding access tokens.
type AccessClaims struct {
	UserID        string `json:"user_id"`
	TokenFamilyID string `json:"token_family_id"`
	jwt.RegisteredClaims
}

func (c *AccessClaims) UserUUID() (uuid.UUID, error)   { return uuid.Parse(c.UserID) }
func (c *AccessClaims) FamilyUUID() (uuid.UUID, error) { return uuid.Parse(c.TokenFamilyID) }

// Service signs and validates access tokens with a shared HS256 key.
type Service struct {
	signingKey []byte
	issuer     string
	audience   string
}

func New(signingKey, issuer, audience string) *Service {
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
	}
}

// Mint issues an access token for the user, stamped with the issuing refresh
// token family. Issue and expiry times come from the request clock.
func (s *Service) Mint(ctx context.Context, userID, familyID uuid.UUID, ttl time.Duration) (string, error) {
	now := requestcontext.Now(ctx)
	claims := AccessClaims{
		UserID:        userID.String(),
		TokenFamilyID: familyID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signingKey)
}

// Validate parses a token and enforces signature method, issuer, audience,
// and expiry. Expiry is judged against the request clock.
func (s *Service) Validate(ctx context.Context, raw string) (*AccessClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return requestcontext.Now(ctx) }),
	)

	parsed, err := parser.ParseWithClaims(raw, &AccessClaims{}, func(*jwt.Token) (interface{}, error) {
		return s.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "access token has expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid access token")
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid access token")
	}
	return claims, nil
}
