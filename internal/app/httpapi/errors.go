package httpapi

import (
	"errors"
	"net/http"

	domain "github.com/R3E-Network/coinjoin/internal/app/domain/coinjoin"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrPoolNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrNotInitialized):
		return http.StatusPreconditionFailed
	case errors.Is(err, domain.ErrAlreadyInitialized), errors.Is(err, domain.ErrPoolAlreadyExists):
		return http.StatusConflict
	}
	switch domain.CategoryOf(err) {
	case domain.CategoryValidation:
		return http.StatusBadRequest
	case domain.CategoryCapacity:
		return http.StatusConflict
	case domain.CategoryConsistency:
		return http.StatusUnprocessableEntity
	case domain.CategoryCollaborator:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its mapped status and category.
func writeServiceError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]any{
		"error":       err.Error(),
		"category":    domain.CategoryOf(err),
		"recoverable": domain.IsRecoverable(err),
	})
}
