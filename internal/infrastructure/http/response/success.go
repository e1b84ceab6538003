package response

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, r *http.Request, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if body == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(r.Context(), "failed to write response", "error", err)
	}
}

// OK writes a 200 response.
func OK(w http.ResponseWriter, r *http.Request, body any) {
	JSON(w, r, http.StatusOK, body)
}

// Created writes a 201 response.
func Created(w http.ResponseWriter, r *http.Request, body any) {
	JSON(w, r, http.StatusCreated, body)
}
