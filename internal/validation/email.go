// email.go validates user email addresses supplied when provisioning accounts.
package validation

import (
	"fmt"
	"net/mail"
	"strings"
)

const maxEmailLength = 254

// ValidateEmail checks that email is a bare address, without a display name or angle brackets.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if len(email) > maxEmailLength {
		return fmt.Errorf("email exceeds %d characters", maxEmailLength)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return fmt.Errorf("invalid email %q", email)
	}
	if !strings.Contains(email[strings.LastIndex(email, "@")+1:], ".") {
		return fmt.Errorf("invalid email %q: domain must be fully qualified", email)
	}
	return nil
}
