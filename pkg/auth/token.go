package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
)

// TokenLength is the number of random bytes in an invitation token (256 bits)
const TokenLength = 32

// TokenGenerator produces invitation tokens and numeric codes
type TokenGenerator struct {
	random io.Reader
}

// NewTokenGenerator creates a generator reading from crypto/rand
func NewTokenGenerator() *TokenGenerator {
	return &TokenGenerator{random: rand.Reader}
}

// NewTokenGeneratorWithReader creates a generator reading from r
func NewTokenGeneratorWithReader(r io.Reader) *TokenGenerator {
	return &TokenGenerator{random: r}
}

// GenerateToken returns a base64url token and the SHA-256 hex digest to store
func (tg *TokenGenerator) GenerateToken() (token string, tokenHash string, err error) {
	randomBytes := make([]byte, TokenLength)
	if _, err := io.ReadFull(tg.random, randomBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	token = base64.RawURLEncoding.EncodeToString(randomBytes)
	return token, HashToken(token), nil
}

// NumericCode returns a zero-padded decimal code of the given length
func (tg *TokenGenerator) NumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("invalid code length %d", digits)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(tg.random, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", digits, n.Int64()), nil
}

// HashToken computes the SHA-256 hex digest used to look a token up
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}
