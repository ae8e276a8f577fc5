package services

import (
	"errors"
	"log"
	"net/http"
)

// Sentinel errors returned by the ledger, authorization and request
// workflow code. Handlers translate them to HTTP at the boundary; the
// services themselves never touch the transport.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidState      = errors.New("invalid request state")
	ErrValidation        = errors.New("validation failed")
)

// writeServiceError maps a service error to an HTTP response. Out-of-branch
// targets surface as ErrNotFound upstream, so a 404 here never reveals
// whether a user exists in another branch.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		SendErrorResponse(w, "Not found", http.StatusNotFound, nil)
	case errors.Is(err, ErrForbidden):
		SendErrorResponse(w, "Forbidden", http.StatusForbidden, nil)
	case errors.Is(err, ErrInsufficientFunds):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	case errors.Is(err, ErrInvalidState):
		SendErrorResponse(w, err.Error(), http.StatusConflict, nil)
	case errors.Is(err, ErrValidation):
		SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
	default:
		log.Printf("[SERVICE] Unexpected error: %v", err)
		SendErrorResponse(w, "An Internal Error Occurred", http.StatusInternalServerError, nil)
	}
}
