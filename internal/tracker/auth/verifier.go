package auth

import (
	"context"

	"bustrack/internal/shared/apperrors"
	"bustrack/internal/shared/jwt"
	"bustrack/internal/tracker/domain"
)

// Identity is the verified result of a driver handshake.
type Identity struct {
	DriverID string
	Phone    string
	Role     string
}

// DriverDirectory resolves driver ids to identity records.
type DriverDirectory interface {
	GetDriver(ctx context.Context, driverID string) (*domain.Driver, error)
}

// Verifier validates the opaque tokens drivers present on connect. Token
// issuance belongs to the external identity provider; the core only checks
// integrity, expiry and that the subject exists.
type Verifier struct {
	secret    []byte
	directory DriverDirectory
}

func NewVerifier(secret []byte, directory DriverDirectory) *Verifier {
	return &Verifier{secret: secret, directory: directory}
}

func (v *Verifier) Verify(ctx context.Context, token string) (*Identity, error) {
	claims, err := jwt.Parse(v.secret, token)
	if err != nil {
		return nil, apperrors.ErrAuthInvalid
	}

	if claims.Role != "driver" && claims.Role != "admin" {
		return nil, apperrors.ErrAuthInvalid
	}

	driver, err := v.directory.GetDriver(ctx, claims.DriverID)
	if err != nil {
		return nil, apperrors.ErrAuthUnknown
	}

	return &Identity{
		DriverID: driver.ID,
		Phone:    driver.Phone,
		Role:     driver.Role,
	}, nil
}
