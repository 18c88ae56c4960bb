package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scanopy/scanopy/internal/slogging"
)

// TokenBlacklist manages revoked JWT tokens using Redis. Entries expire when
// the token itself would have expired, so the list never grows unbounded.
type TokenBlacklist struct {
	redis  *redis.Client
	secret []byte
}

// NewTokenBlacklist creates a new token blacklist service
func NewTokenBlacklist(redisClient *redis.Client, secret []byte) *TokenBlacklist {
	return &TokenBlacklist{
		redis:  redisClient,
		secret: secret,
	}
}

// BlacklistToken adds a JWT token to the blacklist
func (tb *TokenBlacklist) BlacklistToken(ctx context.Context, tokenString string) error {
	logger := slogging.Get()

	claims, err := parseClaims(tokenString, tb.secret)
	if err != nil {
		logger.Error("Failed to parse token for blacklisting: %v", err)
		return fmt.Errorf("failed to parse or validate token: %w", err)
	}

	if claims.ExpiresAt == nil {
		return fmt.Errorf("token missing expiration")
	}

	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		// Already expired, nothing to revoke
		logger.Debug("Token already expired, skipping blacklist")
		return nil
	}

	tokenHash := tb.hashToken(tokenString)
	key := fmt.Sprintf("blacklist:token:%s", tokenHash)

	if err := tb.redis.Set(ctx, key, "blacklisted", ttl).Err(); err != nil {
		logger.Error("Failed to store token in blacklist token_hash=%s error=%v", tokenHash[:16], err)
		return fmt.Errorf("failed to blacklist token: %w", err)
	}

	logger.Info("Token blacklisted token_hash=%s ttl_seconds=%d", tokenHash[:16], int(ttl.Seconds()))
	return nil
}

// IsTokenBlacklisted checks if a JWT token is blacklisted
func (tb *TokenBlacklist) IsTokenBlacklisted(ctx context.Context, tokenString string) (bool, error) {
	tokenHash := tb.hashToken(tokenString)
	key := fmt.Sprintf("blacklist:token:%s", tokenHash)

	exists, err := tb.redis.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}

	return exists > 0, nil
}

// hashToken creates a SHA-256 hash of the token for storage
func (tb *TokenBlacklist) hashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
