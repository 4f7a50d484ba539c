package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/satriahrh/voicechat/domain/entities"
)

// DefaultTokenTTL matches the backend's session token lifetime
const DefaultTokenTTL = 12 * time.Hour

// UserID is the user_id claim. The backend signs integer ids, the devserver
// signs strings; both decode to the same text.
type UserID string

// UnmarshalJSON accepts a JSON number or a JSON string
func (id *UserID) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("user_id must be a number or a string: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// JWTClaims represents the claims in a dashboard session token
type JWTClaims struct {
	UserID   UserID `json:"user_id"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// User returns the user record carried by the claims
func (c *JWTClaims) User() (*entities.User, error) {
	role, err := entities.ParseRole(c.Role)
	if err != nil {
		return nil, err
	}
	return &entities.User{
		ID:   string(c.UserID),
		Name: c.Username,
		Role: role,
	}, nil
}

// GenerateToken signs a session token for user
func GenerateToken(user entities.User, secret []byte, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("jwt secret is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	claims := &JWTClaims{
		UserID:   UserID(user.ID),
		Username: user.Name,
		Role:     string(user.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken validates an HS256 token against secret and returns the claims
func ValidateToken(tokenString string, secret []byte) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, jwt.ErrInvalidKey
}

// ParseUnverified reads the claims without checking the signature. The
// client uses it to learn its own role; the server still verifies the token.
func ParseUnverified(tokenString string) (*JWTClaims, error) {
	claims := &JWTClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return nil, jwt.ErrTokenExpired
	}
	return claims, nil
}
