// Package auth verifies the bearer credentials presented by websocket
// clients. Token issuance lives with the user service; Sign exists for
// local tooling and tests.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrAuthenticationFailed = errors.New("authentication failed")

// Verifier resolves a credential into the caller's identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (models.Identity, error)
}

type Claims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

func (v *JWTVerifier) Verify(ctx context.Context, tokenString string) (models.Identity, error) {
	if err := ctx.Err(); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	tokenString = strings.TrimSpace(strings.TrimPrefix(tokenString, "Bearer "))
	if tokenString == "" {
		return models.Identity{}, fmt.Errorf("%w: empty token", ErrAuthenticationFailed)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, opts...)
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if !token.Valid {
		return models.Identity{}, fmt.Errorf("%w: invalid token", ErrAuthenticationFailed)
	}

	id := models.Identity{UserID: claims.UserID, Role: models.Role(strings.ToLower(claims.Role))}
	if id.UserID == "" {
		id.UserID = claims.Subject
	}
	if id.UserID == "" || !id.Role.Valid() {
		return models.Identity{}, fmt.Errorf("%w: token lacks user_id or role", ErrAuthenticationFailed)
	}
	return id, nil
}

// Sign issues an HS256 token for id that expires after ttl.
func (v *JWTVerifier) Sign(id models.Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: id.UserID,
		Role:   string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
