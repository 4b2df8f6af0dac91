package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestAPIKey_ExpiredAt(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{"no expiry", nil, false},
		{"future", &future, false},
		{"past", &past, true},
		{"exactly now", &now, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k := &APIKey{ExpiresAt: tt.expiresAt}
			if got := k.ExpiredAt(now); got != tt.want {
				t.Errorf("ExpiredAt() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAPIKey_JSONOmitsSecretHash(t *testing.T) {
	k := &APIKey{KeyID: "key_1", SecretHash: "$2a$12$secretdigest", DisplayPrefix: "gp_live_abcdefgh..."}
	b, err := json.Marshal(k)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if strings.Contains(string(b), "secretdigest") || strings.Contains(string(b), "secret_hash") {
		t.Errorf("serialised key leaks the digest: %s", b)
	}
}

func TestValidAuthProvider(t *testing.T) {
	for _, p := range []string{"password", "federated-oauth", "external-idp"} {
		if !ValidAuthProvider(p) {
			t.Errorf("ValidAuthProvider(%q) = false", p)
		}
	}
	for _, p := range []string{"", "google", "EXTERNAL-IDP"} {
		if ValidAuthProvider(p) {
			t.Errorf("ValidAuthProvider(%q) = true", p)
		}
	}
}
