package jwt

import (
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"bustrack/internal/shared/apperrors"
)

type Claims struct {
	DriverID string `json:"sub"`
	Phone    string `json:"phone,omitempty"`
	Role     string `json:"role"`
	jwtlib.RegisteredClaims
}

// Generate signs an HS256 token for a driver. Issuance belongs to the
// external identity provider; this lives here for tooling and tests.
func Generate(secret []byte, driverID, phone, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		DriverID: driverID,
		Phone:    phone,
		Role:     role,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwtlib.NewNumericDate(now),
		},
	}

	token := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Parse validates signature and expiry. Malformed, forged or expired tokens
// come back as ErrAuthInvalid.
func Parse(secret []byte, tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwtlib.ParseWithClaims(tokenStr, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, apperrors.ErrAuthInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.ErrAuthInvalid
	}
	if claims.DriverID == "" {
		return nil, apperrors.ErrAuthInvalid
	}
	return claims, nil
}
