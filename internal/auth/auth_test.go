package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRoleSatisfies(t *testing.T) {
	tests := []struct {
		have, need Role
		want       bool
	}{
		{RoleAdmin, RoleReadonly, true},
		{RoleAdmin, RoleService, true},
		{RoleAdmin, RoleAdmin, true},
		{RoleService, RoleAdmin, false},
		{RoleService, RoleService, true},
		{RoleReadonly, RoleService, false},
	}
	for _, tt := range tests {
		if got := tt.have.Satisfies(tt.need); got != tt.want {
			t.Errorf("%s.Satisfies(%s) = %v, want %v", tt.have, tt.need, got, tt.want)
		}
	}
}

func TestValidRole(t *testing.T) {
	if !ValidRole(RoleAdmin) || !ValidRole(RoleService) || !ValidRole(RoleReadonly) {
		t.Fatal("expected all three known roles to be valid")
	}
	if ValidRole(Role("OWNER")) {
		t.Fatal("expected unknown role to be invalid")
	}
}

type stubAuthenticator struct{ id *Identity }

func (s stubAuthenticator) Authenticate(*http.Request) *Identity { return s.id }

func TestMiddlewareAllowsPublicPath(t *testing.T) {
	mw := Middleware(nil, []string{"/healthz"})
	called := false
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if !called {
		t.Fatal("expected public path to bypass authentication")
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestMiddlewareRejectsUnauthenticated(t *testing.T) {
	mw := Middleware(nil, nil)
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run without authentication")
	}))

	req := httptest.NewRequest(http.MethodGet, "/tasks/123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestMiddlewareAcceptsAuthenticatedIdentity(t *testing.T) {
	id := &Identity{Subject: "apikey:ci", KeyName: "ci", Role: RoleService}
	mw := Middleware([]Authenticator{stubAuthenticator{id: id}}, nil)

	var seen *Identity
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetIdentity(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/tasks/123", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if seen == nil || seen.KeyName != "ci" {
		t.Fatalf("expected identity to propagate through context, got %+v", seen)
	}
}

func TestRequireRoleRejectsInsufficientRole(t *testing.T) {
	handler := RequireRole(RoleAdmin, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not run for insufficient role")
	})

	req := httptest.NewRequest(http.MethodPost, "/apikeys", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{Role: RoleService}))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireRoleAllowsSufficientRole(t *testing.T) {
	called := false
	handler := RequireRole(RoleService, func(w http.ResponseWriter, r *http.Request) {
		called = true
	})

	req := httptest.NewRequest(http.MethodPost, "/apikeys", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{Role: RoleAdmin}))
	rec := httptest.NewRecorder()
	handler(rec, req)

	if !called {
		t.Fatal("expected handler to run for sufficient role")
	}
}
