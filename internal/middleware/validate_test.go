package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type stubValidator struct{ seen string }

func (s *stubValidator) Validate(_ context.Context, name string, body []byte) error {
	s.seen = name
	if strings.Contains(string(body), "bad") {
		return errors.New("validation failed: bad field")
	}
	return nil
}

func TestValidateJSON(t *testing.T) {
	v := &stubValidator{}
	echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Write(b)
	})
	h := ValidateJSON(v, "transfer")(echo)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"ok":1}`)))
	if rec.Code != http.StatusOK || rec.Body.String() != `{"ok":1}` || v.seen != "transfer" {
		t.Errorf("valid body: %d %q seen=%q", rec.Code, rec.Body.String(), v.seen)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bad":1}`)))
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "bad field") {
		t.Errorf("invalid body: %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", maxBodyBytes+1))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body: %d", rec.Code)
	}
}
