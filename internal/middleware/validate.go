package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
)

const maxBodyBytes = 64 << 10

// BodyValidator checks a raw request body against a named schema.
type BodyValidator interface {
	Validate(ctx context.Context, name string, body []byte) error
}

// ValidateJSON rejects bodies that do not match the named schema with 400.
// The body is buffered and handed on unchanged.
func ValidateJSON(v BodyValidator, name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
			if err != nil {
				http.Error(w, `{"error":"request body too large or unreadable"}`, http.StatusRequestEntityTooLarge)
				return
			}
			if err := v.Validate(r.Context(), name, body); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}
