// slug.go validates organization slugs and display names supplied when provisioning tenants.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	maxSlugLength        = 63
	maxDisplayNameLength = 255
)

// slugPattern allows lowercase letters, digits and inner hyphens, so a slug is always safe in a
// header value, a URL path segment and an archive object name.
var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)

// reservedSlugs cannot be used as organization slugs.
var reservedSlugs = map[string]bool{
	"admin":   true,
	"current": true,
	"system":  true,
}

// ValidateSlug checks that slug can identify an organization
func ValidateSlug(slug string) error {
	if slug == "" {
		return fmt.Errorf("slug cannot be empty")
	}
	if len(slug) > maxSlugLength {
		return fmt.Errorf("slug exceeds %d characters", maxSlugLength)
	}
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("invalid slug %q: use lowercase letters, digits and inner hyphens", slug)
	}
	if strings.Contains(slug, "--") {
		return fmt.Errorf("invalid slug %q: consecutive hyphens", slug)
	}
	if reservedSlugs[slug] {
		return fmt.Errorf("slug %q is reserved", slug)
	}
	return nil
}

// ValidateDisplayName checks an organization's human-readable name
func ValidateDisplayName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("display name cannot be empty")
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("display name must be valid UTF-8")
	}
	if utf8.RuneCountInString(trimmed) > maxDisplayNameLength {
		return fmt.Errorf("display name exceeds %d characters", maxDisplayNameLength)
	}
	return nil
}
