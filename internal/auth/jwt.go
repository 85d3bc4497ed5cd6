package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator accepts an Identity whose token is an HMAC-signed JWT
// issued for the same player id.
type JWTAuthenticator struct {
	jwtSecret string
}

func NewJWTAuthenticator(jwtSecret string) *JWTAuthenticator {
	return &JWTAuthenticator{jwtSecret: jwtSecret}
}

func (a *JWTAuthenticator) Authenticate(ctx context.Context, frame []byte) (Principal, error) {
	identity, err := ParseIdentity(frame)
	if err != nil {
		return Principal{}, err
	}

	userID, username, err := a.ValidateToken(identity.Token)
	if err != nil {
		return Principal{}, Reject("invalid token")
	}
	if userID != identity.PlayerID {
		return Principal{}, Reject("token does not match player id")
	}
	return Principal{ID: userID, Name: username}, nil
}

// ValidateToken returns the user_id and username claims of a valid token.
func (a *JWTAuthenticator) ValidateToken(tokenString string) (string, string, error) {
	claims, err := parseClaims(a.jwtSecret, tokenString)
	if err != nil {
		return "", "", err
	}
	return subject(claims)
}

// OperatorRole is the role claim the admin API requires. Player tokens
// from IssueToken never carry it.
const OperatorRole = "operator"

// OperatorValidator accepts only operator tokens signed with the admin
// secret.
type OperatorValidator struct {
	secret string
}

func NewOperatorValidator(secret string) *OperatorValidator {
	return &OperatorValidator{secret: secret}
}

func (v *OperatorValidator) ValidateToken(tokenString string) (string, string, error) {
	claims, err := parseClaims(v.secret, tokenString)
	if err != nil {
		return "", "", err
	}
	if role, _ := claims["role"].(string); role != OperatorRole {
		return "", "", errors.New("token is not an operator token")
	}
	return subject(claims)
}

func parseClaims(secret, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

func subject(claims jwt.MapClaims) (string, string, error) {
	userID, ok := claims["user_id"].(string)
	if !ok {
		// fall back to the registered subject claim
		var err error
		userID, err = claims.GetSubject()
		if err != nil || userID == "" {
			return "", "", errors.New("user_id claim is not a string")
		}
	}

	username, _ := claims["username"].(string)
	return userID, username, nil
}

// IssueToken signs a token the JWTAuthenticator will accept for userID.
func IssueToken(jwtSecret, userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	return sign(jwtSecret, jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(ttl).Unix(),
	})
}

// IssueOperatorToken signs a token the OperatorValidator will accept.
func IssueOperatorToken(adminSecret, operatorID string, ttl time.Duration) (string, error) {
	now := time.Now()
	return sign(adminSecret, jwt.MapClaims{
		"user_id": operatorID,
		"role":    OperatorRole,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	})
}

func sign(secret string, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
