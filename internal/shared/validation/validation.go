package validation

import (
	"fmt"

	"bustrack/internal/shared/apperrors"
)

// ValidateCoordinates validates longitude and latitude values.
func ValidateCoordinates(lng, lat float64) error {
	if lat < -90 || lat > 90 {
		return fmt.Errorf("%w: latitude must be between -90 and 90", apperrors.ErrInvalidCoord)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("%w: longitude must be between -180 and 180", apperrors.ErrInvalidCoord)
	}
	return nil
}

// ValidateSpeed validates speed in km/h.
func ValidateSpeed(speed float64) error {
	if speed < 0 || speed > 200 {
		return fmt.Errorf("%w: speed must be between 0 and 200 km/h", apperrors.ErrInvalidSpeed)
	}
	return nil
}

// ValidateHeading validates heading in degrees, [0, 360).
func ValidateHeading(heading float64) error {
	if heading < 0 || heading >= 360 {
		return fmt.Errorf("%w: heading must be in [0, 360)", apperrors.ErrInvalidHeading)
	}
	return nil
}

// ValidateRadius validates a near-query radius against the configured cap.
func ValidateRadius(radiusM, maxM float64) error {
	if radiusM <= 0 || radiusM > maxM {
		return fmt.Errorf("%w: radius must be in (0, %.0f] metres", apperrors.ErrBadRange, maxM)
	}
	return nil
}

// ValidateStringNotEmpty validates that a string is not empty.
func ValidateStringNotEmpty(value, fieldName string) error {
	if value == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}
