package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signedStaffToken(t *testing.T, secret, role string) string {
	t.Helper()
	claims := StaffClaims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "staff-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func serveStaff(mw func(http.Handler) http.Handler, token string) (*httptest.ResponseRecorder, *StaffClaims) {
	req := httptest.NewRequest(http.MethodGet, "/staff", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	var seen *StaffClaims
	mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = StaffClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)
	return rec, seen
}

func TestStaffJWTMissingSecret(t *testing.T) {
	rec, _ := serveStaff(StaffJWT(""), "anything")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestStaffJWTMissingHeader(t *testing.T) {
	rec, _ := serveStaff(StaffJWT("secret"), "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestStaffJWTWrongSecret(t *testing.T) {
	rec, _ := serveStaff(StaffJWT("secret"), signedStaffToken(t, "wrong", RoleDesk))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestStaffJWTRoleCheck(t *testing.T) {
	rec, _ := serveStaff(StaffJWT("secret", RoleDoctor), signedStaffToken(t, "secret", RoleDesk))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, rec.Code)
	}

	rec, claims := serveStaff(StaffJWT("secret", RoleDoctor, RoleAdmin), signedStaffToken(t, "secret", RoleDoctor))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if claims == nil || claims.Role != RoleDoctor || claims.Subject != "staff-1" {
		t.Fatalf("expected doctor claims in context, got %+v", claims)
	}
}
