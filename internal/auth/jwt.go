package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rehabcare/messaging/internal/apperr"
	"github.com/rehabcare/messaging/internal/model"
)

// Claims is the payload of tokens issued by the platform auth service.
type Claims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 tokens signed with a shared secret.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

func NewJWTAuthenticator(secret, issuer string) (*JWTAuthenticator, error) {
	if len(secret) < 32 {
		return nil, errors.New("jwt secret must be at least 32 bytes")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, credential string) (model.Identity, error) {
	const op = "auth.JWT"
	if credential == "" {
		return "", apperr.Authentication(op, "missing credential", nil)
	}
	claims := &Claims{}
	token, err := a.parser.ParseWithClaims(credential, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", apperr.Authentication(op, "credential expired", err)
		}
		return "", apperr.Authentication(op, "invalid credential", err)
	}
	if !token.Valid {
		return "", apperr.Authentication(op, "invalid credential", nil)
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return "", apperr.Authentication(op, "credential has no subject", nil)
	}
	return model.Identity(id), nil
}

// Issue signs a token for id. Used by the dev command and tests; production
// tokens come from the auth service.
func (a *JWTAuthenticator) Issue(id model.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: string(id),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("jwt sign: %w", err)
	}
	return signed, nil
}
