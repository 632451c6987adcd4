package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/xhad/docchat/internal/types"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError maps an error kind to its status code. Anything unclassified
// is a 500 whose details carry the failing step and cause.
func writeError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, types.ErrUnauthenticated):
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
	case errors.Is(err, types.ErrNotEntitled):
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "Pro subscription required"})
	case errors.Is(err, types.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request", Details: err.Error()})
	case errors.Is(err, types.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found", Details: err.Error()})
	default:
		log.Printf("Request failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: fallback, Details: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}
