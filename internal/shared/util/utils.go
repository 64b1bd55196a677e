package util

import (
	"encoding/json"
	"net/http"

	"bustrack/internal/shared/apperrors"
)

func ResponseInJson(w http.ResponseWriter, statusCode int, object interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(object)
}

func WriteJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// ErrResponseInJson maps an error to its HTTP status and wire kind.
func ErrResponseInJson(w http.ResponseWriter, err error) {
	statusCode := apperrors.HTTPStatus(err)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   apperrors.KindOf(err),
		"message": err.Error(),
	})
}
