package validation

import (
	"strings"
	"testing"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		email   string
		wantErr bool
	}{
		{"simple", "alice@acme.test", false},
		{"plus tag", "alice+vault@acme.test", false},
		{"subdomain", "ops@eu.acme.test", false},
		{"empty", "", true},
		{"no at", "alice.acme.test", true},
		{"display name", "Alice <alice@acme.test>", true},
		{"unqualified domain", "alice@localhost", true},
		{"surrounding space", " alice@acme.test", true},
		{"too long", strings.Repeat("a", 250) + "@x.io", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateEmail(tt.email)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail(%q) error = %v, wantErr %v", tt.email, err, tt.wantErr)
			}
		})
	}
}
