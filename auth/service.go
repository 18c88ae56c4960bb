// Package auth validates bearer credentials for collaboration connections.
// It verifies HMAC-signed JWTs and, when Redis is available, rejects tokens
// that have been revoked since issuance.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/scanopy/scanopy/auth/db"
	"github.com/scanopy/scanopy/internal/slogging"
)

// Config holds authentication service configuration
type Config struct {
	// Secret is the HMAC signing key for access tokens
	Secret string
	// Issuer is required in the iss claim of every accepted token
	Issuer string
	// ExpirationSeconds is the lifetime of tokens minted by GenerateToken
	ExpirationSeconds int
}

// Claims represents the JWT claims carried by an access token. The subject is
// the opaque user id; Name is the display name shown to other participants.
type Claims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

// Service provides token validation for collaboration connections
type Service struct {
	config Config
	redis  *db.RedisDB // nil when revocation checks are disabled
}

// ErrTokenRevoked is returned for tokens present on the revocation list.
var ErrTokenRevoked = errors.New("token has been revoked")

// NewService creates an authentication service. redisDB may be nil; the
// service then skips revocation checks.
func NewService(config Config, redisDB *db.RedisDB) (*Service, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	if config.Issuer == "" {
		config.Issuer = "scanopy"
	}
	if config.ExpirationSeconds <= 0 {
		config.ExpirationSeconds = 3600
	}

	return &Service{
		config: config,
		redis:  redisDB,
	}, nil
}

// ValidateToken verifies a bearer token and returns its claims. It rejects
// unsigned or non-HMAC tokens, bad signatures, expired tokens, wrong issuers,
// and revoked tokens.
func (s *Service) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	logger := slogging.Get()

	claims, err := parseClaims(tokenString, []byte(s.config.Secret))
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}

	if claims.Issuer != s.config.Issuer {
		return nil, fmt.Errorf("invalid token issuer: expected %s, got %s", s.config.Issuer, claims.Issuer)
	}
	if claims.Subject == "" {
		return nil, errors.New("token missing subject")
	}

	if s.redis != nil {
		blacklist := NewTokenBlacklist(s.redis.GetClient(), []byte(s.config.Secret))
		revoked, err := blacklist.IsTokenBlacklisted(ctx, tokenString)
		if err != nil {
			// Revocation list unavailable: fail closed for safety
			logger.Error("Revocation check failed: %v", err)
			return nil, fmt.Errorf("revocation check failed: %w", err)
		}
		if revoked {
			return nil, ErrTokenRevoked
		}
	}

	return claims, nil
}

// RevokeToken adds a token to the revocation list. A no-op without Redis.
func (s *Service) RevokeToken(ctx context.Context, tokenString string) error {
	if s.redis == nil {
		slogging.Get().Warn("Token revocation skipped: Redis not available")
		return nil
	}
	blacklist := NewTokenBlacklist(s.redis.GetClient(), []byte(s.config.Secret))
	return blacklist.BlacklistToken(ctx, tokenString)
}

// GenerateToken mints a signed access token for a user. Used by tests and
// local development; production deployments receive tokens from the identity
// provider that fronts this service.
func (s *Service) GenerateToken(userID, name string) (string, error) {
	now := time.Now()
	claims := Claims{
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.config.ExpirationSeconds) * time.Second)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// parseClaims verifies the signature and standard validity of a token and
// returns its claims.
func parseClaims(tokenString string, secret []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}
