// Package tenant resolves which organization an operation acts on behalf of and carries that
// decision through the call chain as an explicit value.
//
// A Context is created per operation by Resolver.Resolve and passed by value to every
// downstream call. There is no package-level "current organization": two concurrent requests
// can never observe each other's tenant.
//
// Platform-operator tooling that needs to read across organizations uses a separate Elevated
// value, which only Resolver.Elevate can mint and which is audited when created.
package tenant

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docvault/docvault/internal/db/models"
)

var (
	// ErrUnauthenticated means no actor could be resolved for the operation.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrUnauthorized means the actor is known but lacks membership or role for the action.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNoOrganization means the actor has no active membership at all.
	ErrNoOrganization = errors.New("no active organization membership")
	// ErrAmbiguous is matched by *AmbiguousError via errors.Is.
	ErrAmbiguous = errors.New("organization is ambiguous")
	// ErrSecondFactorRequired means the actor must verify a second factor first.
	ErrSecondFactorRequired = errors.New("second factor required")
)

// AmbiguousError is returned when an actor belongs to several organizations and the request
// did not select one. Candidates lists the organizations the caller may choose from.
type AmbiguousError struct {
	Candidates []Organization
}

func (e *AmbiguousError) Error() string {
	slugs := make([]string, 0, len(e.Candidates))
	for _, c := range e.Candidates {
		slugs = append(slugs, c.Slug)
	}
	return fmt.Sprintf("organization is ambiguous: select one of %s", strings.Join(slugs, ", "))
}

func (e *AmbiguousError) Is(target error) bool {
	return target == ErrAmbiguous
}

// Actor is the authenticated principal as supplied by the authentication layer.
type Actor struct {
	ID                   string
	DisplayName          string
	AuthSource           string // models.AuthSourceLocal or models.AuthSourceSSO
	SecondFactorVerified bool
	Superuser            bool
}

// ClientMetadata describes where an operation came from. It is copied into every audit record.
type ClientMetadata struct {
	IP        string
	UserAgent string
	Path      string
	RequestID string
}

// Organization is the resolved tenant.
type Organization struct {
	ID   string
	Slug string
	Name string
}

// Context is the resolved tenant for a single operation. The zero value is invalid and is
// rejected by every scoped call.
type Context struct {
	actor  Actor
	org    Organization
	role   models.Role
	client ClientMetadata
}

// NewContext builds a Context from already-verified parts. Production code obtains contexts
// from Resolver.Resolve; this constructor exists for composition and tests.
func NewContext(actor Actor, org Organization, role models.Role, client ClientMetadata) Context {
	return Context{actor: actor, org: org, role: role, client: client}
}

// Valid reports whether the context names both an actor and an organization.
func (c Context) Valid() bool {
	return c.actor.ID != "" && c.org.ID != "" && c.role.Valid()
}

func (c Context) Actor() Actor               { return c.actor }
func (c Context) Organization() Organization { return c.org }
func (c Context) OrganizationID() string     { return c.org.ID }
func (c Context) Role() models.Role          { return c.role }
func (c Context) Client() ClientMetadata     { return c.client }

// Elevated is a cross-organization context for platform-operator tooling. It can only be
// obtained from Resolver.Elevate, which requires a superuser and audits the grant.
type Elevated struct {
	actor  Actor
	reason string
	client ClientMetadata
	grant  string // id of the elevated_access audit record
}

// Valid reports whether the elevated context was minted by a Resolver.
func (e Elevated) Valid() bool {
	return e.actor.ID != "" && e.actor.Superuser && e.grant != ""
}

func (e Elevated) Actor() Actor           { return e.actor }
func (e Elevated) Reason() string         { return e.reason }
func (e Elevated) Client() ClientMetadata { return e.client }

// GrantID is the id of the audit record that authorized this elevated context.
func (e Elevated) GrantID() string { return e.grant }
