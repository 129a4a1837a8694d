package client

import "testing"

type fixedAuth bool

func (f fixedAuth) IsAuthenticated() bool { return bool(f) }

func TestGuard_Check(t *testing.T) {
	tests := []struct {
		name         string
		authed       bool
		path         string
		wantRedirect string
		wantAllowed  bool
	}{
		{"login when anonymous", false, "/login", "", true},
		{"login when authenticated", true, "/login", "/dashboard", false},
		{"protected when anonymous", false, "/dashboard", "/login", false},
		{"protected when authenticated", true, "/my-products", "", true},
		{"root when anonymous", false, "/", "/login", false},
		{"root when authenticated", true, "/", "/dashboard", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			redirect, allowed := NewGuard(fixedAuth(tt.authed)).Check(tt.path)
			if redirect != tt.wantRedirect || allowed != tt.wantAllowed {
				t.Errorf("Check(%q) = (%q, %v), want (%q, %v)", tt.path, redirect, allowed, tt.wantRedirect, tt.wantAllowed)
			}
		})
	}
}

func TestGuard_FollowsSession(t *testing.T) {
	session := newTestSession(NewMemoryStore())
	guard := NewGuard(session)

	if _, allowed := guard.Check("/templates"); allowed {
		t.Error("anonymous access allowed")
	}
	if err := session.SetAuth(&User{ID: 1}, "tok"); err != nil {
		t.Fatal(err)
	}
	if _, allowed := guard.Check("/templates"); !allowed {
		t.Error("authenticated access denied")
	}
}
