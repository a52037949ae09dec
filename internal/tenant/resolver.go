package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/db/models"
)

// SystemActorID is the actor id used for operations started by the platform itself
// (CLI maintenance commands). Audit records store it as a null actor.
var SystemActorID = uuid.Nil.String()

// SystemActor returns a superuser actor for operator tooling run outside a request.
func SystemActor(name string) Actor {
	return Actor{ID: SystemActorID, DisplayName: name, AuthSource: "system", SecondFactorVerified: true, Superuser: true}
}

// MembershipSource lists the active organization memberships of an actor.
type MembershipSource interface {
	ListActiveMemberships(ctx context.Context, userID string) ([]models.UserMembership, error)
}

// Recorder persists an audit record and reports whether it was committed.
type Recorder interface {
	Record(ctx context.Context, entry *models.AuditLog) error
}

// Policy controls second-factor enforcement during resolution.
type Policy struct {
	// RequireSecondFactor rejects actors without a verified second factor.
	RequireSecondFactor bool
	// SSOSecondFactorBypass lets SSO actors without a second factor through. Every bypass
	// is recorded as a two_factor_bypass audit event.
	SSOSecondFactorBypass bool
}

// Resolver turns an authenticated actor plus request metadata into a tenant Context.
type Resolver struct {
	memberships MembershipSource
	recorder    Recorder
	policy      Policy
}

// NewResolver creates a Resolver.
func NewResolver(memberships MembershipSource, recorder Recorder, policy Policy) *Resolver {
	return &Resolver{memberships: memberships, recorder: recorder, policy: policy}
}

// Resolve determines the organization the actor is acting for. selector is an optional
// organization slug or id supplied by the caller (the X-Organization header).
//
// Outcomes: a valid Context; ErrUnauthenticated; ErrSecondFactorRequired; ErrNoOrganization
// when the actor has no active membership; *AmbiguousError when several organizations match
// and none was selected; ErrUnauthorized when the selector names an organization the actor
// does not belong to. There is never a silent default.
func (r *Resolver) Resolve(ctx context.Context, actor Actor, client ClientMetadata, selector string) (Context, error) {
	if actor.ID == "" {
		return Context{}, ErrUnauthenticated
	}
	if err := r.checkSecondFactor(ctx, actor, client); err != nil {
		return Context{}, err
	}

	memberships, err := r.memberships.ListActiveMemberships(ctx, actor.ID)
	if err != nil {
		return Context{}, fmt.Errorf("failed to load memberships: %w", err)
	}
	if len(memberships) == 0 {
		return Context{}, ErrNoOrganization
	}

	var chosen *models.UserMembership
	selector = strings.TrimSpace(selector)
	switch {
	case selector != "":
		for i := range memberships {
			m := &memberships[i]
			if strings.EqualFold(m.OrganizationSlug, selector) || m.OrganizationID == selector {
				chosen = m
				break
			}
		}
		if chosen == nil {
			return Context{}, ErrUnauthorized
		}
	case len(memberships) == 1:
		chosen = &memberships[0]
	default:
		amb := &AmbiguousError{Candidates: make([]Organization, 0, len(memberships))}
		for _, m := range memberships {
			amb.Candidates = append(amb.Candidates, Organization{ID: m.OrganizationID, Slug: m.OrganizationSlug, Name: m.OrganizationName})
		}
		return Context{}, amb
	}

	org := Organization{ID: chosen.OrganizationID, Slug: chosen.OrganizationSlug, Name: chosen.OrganizationName}
	return NewContext(actor, org, chosen.Role, client), nil
}

// Elevate mints a cross-organization context for a superuser. The grant is recorded as an
// elevated_access audit event before the context is returned; if that record cannot be
// committed no context is issued.
func (r *Resolver) Elevate(ctx context.Context, actor Actor, client ClientMetadata, reason string) (Elevated, error) {
	if actor.ID == "" {
		return Elevated{}, ErrUnauthenticated
	}
	if err := r.checkSecondFactor(ctx, actor, client); err != nil {
		return Elevated{}, err
	}

	entry := NewRecord(actor, client, models.ActionElevatedAccess)
	entry.ID = uuid.New().String()
	entry.Context["reason"] = reason
	entry.Success = actor.Superuser

	if !actor.Superuser {
		if err := r.recorder.Record(ctx, entry); err != nil {
			slog.Error("failed to record denied elevation", "actor_id", actor.ID, "error", err)
		}
		return Elevated{}, ErrUnauthorized
	}
	if err := r.recorder.Record(ctx, entry); err != nil {
		return Elevated{}, fmt.Errorf("elevated access not recorded: %w", err)
	}
	return Elevated{actor: actor, reason: reason, client: client, grant: entry.ID}, nil
}

func (r *Resolver) checkSecondFactor(ctx context.Context, actor Actor, client ClientMetadata) error {
	if !r.policy.RequireSecondFactor || actor.SecondFactorVerified || actor.ID == SystemActorID {
		return nil
	}
	if actor.AuthSource != models.AuthSourceSSO || !r.policy.SSOSecondFactorBypass {
		return ErrSecondFactorRequired
	}

	entry := NewRecord(actor, client, models.ActionTwoFactorBypass)
	entry.Context["auth_source"] = actor.AuthSource
	entry.Context["policy"] = "sso_second_factor_bypass"
	entry.Success = true
	if err := r.recorder.Record(ctx, entry); err != nil {
		return fmt.Errorf("second factor bypass not recorded: %w", err)
	}
	return nil
}

// NewRecord starts an audit record attributed to actor with client metadata copied in. The
// system actor is recorded with a nil ActorID.
func NewRecord(actor Actor, client ClientMetadata, action string) *models.AuditLog {
	entry := &models.AuditLog{
		ActorName: actor.DisplayName,
		Action:    action,
		Context:   map[string]interface{}{},
		CreatedAt: time.Now().UTC(),
	}
	if actor.ID != "" && actor.ID != SystemActorID {
		id := actor.ID
		entry.ActorID = &id
	}
	if client.IP != "" {
		ip := client.IP
		entry.IPAddress = &ip
	}
	if client.UserAgent != "" {
		ua := client.UserAgent
		entry.UserAgent = &ua
	}
	if client.Path != "" {
		entry.Context["path"] = client.Path
	}
	if client.RequestID != "" {
		entry.Context["request_id"] = client.RequestID
	}
	return entry
}
