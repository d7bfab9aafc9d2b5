package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// LegacyClaims are the HMAC-signed tokens the platform issued before the
// Zitadel migration. Studio accounts created on the old stack still hold
// them, so both verification paths stay live.
type LegacyClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// ValidateLegacyToken verifies an HMAC-signed token against the shared
// secret. A legacy token never carries an asymmetric signature, so any
// other signing method is rejected outright.
func ValidateLegacyToken(tokenString, secret string) (*LegacyClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &LegacyClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*LegacyClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}
