package utils

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"socialinbox/config"
	"socialinbox/permissions"
)

// Claims mirror what the main CRM puts into the tokens it issues. This
// service only validates them; it never mints tokens for real users.
type Claims struct {
	UserID   string   `json:"user_id"`
	TeamIDs  []string `json:"team_ids,omitempty"`
	UserType string   `json:"user_type,omitempty"`
	jwt.RegisteredClaims
}

// UserContext converts the claims into the identity the permission resolver
// consumes.
func (c *Claims) UserContext() permissions.UserContext {
	return permissions.UserContext{
		UserID:  c.UserID,
		TeamIDs: c.TeamIDs,
		Role:    c.UserType,
	}
}

func ParseAuthToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(config.AppConfig.AuthJWTSecret), nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		if claims.UserID == "" {
			return nil, errors.New("token has no user id")
		}
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GenerateAuthToken signs a token with the shared secret. Used by tests and
// by the CRM's own tooling; production tokens come from the CRM.
func GenerateAuthToken(userID string, teamIDs []string, userType string, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID:   userID,
		TeamIDs:  teamIDs,
		UserType: userType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(config.AppConfig.AuthJWTSecret))
}
