package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// MaxTokenLength is the longest login token bcrypt will hash.
const MaxTokenLength = 72

var ErrEmptyToken = errors.New("auth: token must not be empty")

// HashToken produces the stored form of a login token, as used in
// GAMELINK_STATIC_USERS and players.token_hash. A zero cost selects
// bcrypt.DefaultCost.
func HashToken(token string, cost int) (string, error) {
	if token == "" {
		return "", ErrEmptyToken
	}
	if len(token) > MaxTokenLength {
		return "", fmt.Errorf("auth: token is longer than %d bytes", MaxTokenLength)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("auth: bcrypt cost %d outside [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(token), cost)
	if err != nil {
		return "", fmt.Errorf("auth: hash token: %w", err)
	}
	return string(hashed), nil
}

// checkHash fails if hash is not a bcrypt hash.
func checkHash(hash string) error {
	_, err := bcrypt.Cost([]byte(hash))
	return err
}

func tokenMatches(hash, token string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
