package auth

import (
	"errors"
	"testing"
)

func TestValidateScopes(t *testing.T) {
	tests := []struct {
		name    string
		scopes  []string
		wantErr bool
	}{
		{"defaults", DefaultScopes(), false},
		{"read only", []string{"read"}, false},
		{"empty", nil, false},
		{"unknown", []string{"read", "admin"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScopes(tt.scopes)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateScopes(%v) error = %v, wantErr %v", tt.scopes, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidScope) {
				t.Errorf("error %v does not wrap ErrInvalidScope", err)
			}
		})
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name     string
		scopes   []string
		required Scope
		want     bool
	}{
		{"exact read", []string{"read"}, ScopeRead, true},
		{"write implies read", []string{"write"}, ScopeRead, true},
		{"read does not imply write", []string{"read"}, ScopeWrite, false},
		{"empty", nil, ScopeRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasScope(tt.scopes, tt.required); got != tt.want {
				t.Errorf("HasScope(%v, %s) = %v, want %v", tt.scopes, tt.required, got, tt.want)
			}
		})
	}
}
