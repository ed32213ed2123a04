package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"presenceapi/internal/models"
)

const testSecret = "test-secret-key"

func sign(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "ops",
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
		"iss": "presence-service",
	}
}

func serve(t *testing.T, header string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var subject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	handler := NewJWTMiddleware(testSecret, "presence-service").Authenticate(next)

	req := httptest.NewRequest(http.MethodDelete, "/v1/cache/42", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr, subject
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	rr, subject := serve(t, "Bearer "+sign(t, jwt.SigningMethodHS256, validClaims()))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("Expected status %d, got %d", http.StatusNoContent, rr.Code)
	}
	if subject != "ops" {
		t.Errorf("Expected subject 'ops', got '%s'", subject)
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "someone-else"

	noSubject := validClaims()
	delete(noSubject, "sub")

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	cases := map[string]string{
		"no token":       "",
		"garbage":        "Bearer not-a-token",
		"basic scheme":   "Basic dXNlcjpwYXNz",
		"empty bearer":   "Bearer ",
		"expired":        "Bearer " + sign(t, jwt.SigningMethodHS256, expired),
		"wrong issuer":   "Bearer " + sign(t, jwt.SigningMethodHS256, wrongIssuer),
		"missing sub":    "Bearer " + sign(t, jwt.SigningMethodHS256, noSubject),
		"missing expiry": "Bearer " + sign(t, jwt.SigningMethodHS256, noExpiry),
		"unsigned":       "Bearer " + unsigned(t),
	}

	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			rr, subject := serve(t, header)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("Expected status %d, got %d", http.StatusUnauthorized, rr.Code)
			}
			if subject != "" {
				t.Fatalf("next handler should not run")
			}
			var resp models.APIResponse
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Success || resp.Error == nil || resp.Error.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected body %+v", resp)
			}
		})
	}
}

func unsigned(t *testing.T) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims()).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	return s
}

func TestSubjectFromContext(t *testing.T) {
	if got := SubjectFromContext(context.Background()); got != "" {
		t.Errorf("Expected empty subject, got '%s'", got)
	}
	ctx := SetSubjectInContext(context.Background(), "ops")
	if got := SubjectFromContext(ctx); got != "ops" {
		t.Errorf("Expected subject 'ops', got '%s'", got)
	}
}
