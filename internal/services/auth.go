package services

import (
	"time"

	"golang.org/x/crypto/bcrypt"
)

// TokenSigner issues a bearer token for an authenticated admin.
type TokenSigner func(subject string, ttl time.Duration) (string, error)

// AuthService verifies the shared admin secret and exchanges it for a
// short-lived bearer token. The secret is hashed at startup so only the
// digest lives in memory afterwards.
type AuthService struct {
	secretHash []byte
	signToken  TokenSigner
	tokenTTL   time.Duration
}

func NewAuthService(secret string, signer TokenSigner) (*AuthService, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &AuthService{secretHash: hash, signToken: signer, tokenTTL: 12 * time.Hour}, nil
}

func (s *AuthService) VerifySecret(secret string) bool {
	return bcrypt.CompareHashAndPassword(s.secretHash, []byte(secret)) == nil
}

func (s *AuthService) Login(secret string) (string, error) {
	if !s.VerifySecret(secret) {
		return "", NewUnauthorizedError("bad secret")
	}
	if s.signToken == nil {
		return "", NewInvalidError("token signer not configured")
	}
	return s.signToken("admin", s.tokenTTL)
}
