package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/db/models"
)

type fakeMemberships struct {
	byUser map[string][]models.UserMembership
	err    error
}

func (f *fakeMemberships) ListActiveMemberships(_ context.Context, userID string) ([]models.UserMembership, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.byUser[userID], nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*models.AuditLog
	err     error
}

func (f *fakeRecorder) Record(_ context.Context, entry *models.AuditLog) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, entry)
	return nil
}

var (
	acme    = models.UserMembership{OrganizationID: "org-acme", OrganizationSlug: "acme", OrganizationName: "Acme", Role: models.RoleEditor}
	otherCo = models.UserMembership{OrganizationID: "org-other", OrganizationSlug: "other-co", OrganizationName: "Other Co", Role: models.RoleViewer}
)

func newTestResolver(policy Policy) (*Resolver, *fakeRecorder) {
	rec := &fakeRecorder{}
	members := &fakeMemberships{byUser: map[string][]models.UserMembership{
		"single": {acme},
		"multi":  {acme, otherCo},
		"none":   nil,
	}}
	return NewResolver(members, rec, policy), rec
}

func verified(id string) Actor {
	return Actor{ID: id, DisplayName: id, AuthSource: models.AuthSourceLocal, SecondFactorVerified: true}
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func TestResolve_SingleMembership(t *testing.T) {
	r, _ := newTestResolver(Policy{})
	client := ClientMetadata{IP: "10.0.0.1", UserAgent: "test", Path: "/api/v1/vault"}

	tc, err := r.Resolve(context.Background(), verified("single"), client, "")
	require.NoError(t, err)
	assert.True(t, tc.Valid())
	assert.Equal(t, "org-acme", tc.OrganizationID())
	assert.Equal(t, "acme", tc.Organization().Slug)
	assert.Equal(t, models.RoleEditor, tc.Role())
	assert.Equal(t, client, tc.Client())
}

func TestResolve_Unauthenticated(t *testing.T) {
	r, _ := newTestResolver(Policy{})
	_, err := r.Resolve(context.Background(), Actor{}, ClientMetadata{}, "")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestResolve_NoMembership(t *testing.T) {
	r, _ := newTestResolver(Policy{})
	_, err := r.Resolve(context.Background(), verified("none"), ClientMetadata{}, "")
	assert.ErrorIs(t, err, ErrNoOrganization)
}

func TestResolve_AmbiguousListsCandidates(t *testing.T) {
	r, _ := newTestResolver(Policy{})
	_, err := r.Resolve(context.Background(), verified("multi"), ClientMetadata{}, "")
	require.ErrorIs(t, err, ErrAmbiguous)

	var amb *AmbiguousError
	require.True(t, errors.As(err, &amb))
	require.Len(t, amb.Candidates, 2)
	assert.Equal(t, "acme", amb.Candidates[0].Slug)
	assert.Equal(t, "other-co", amb.Candidates[1].Slug)
	assert.Contains(t, err.Error(), "acme, other-co")
}

func TestResolve_SelectorBySlugOrID(t *testing.T) {
	r, _ := newTestResolver(Policy{})

	for _, sel := range []string{"other-co", "OTHER-CO", " other-co ", "org-other"} {
		tc, err := r.Resolve(context.Background(), verified("multi"), ClientMetadata{}, sel)
		require.NoError(t, err, sel)
		assert.Equal(t, "org-other", tc.OrganizationID(), sel)
		assert.Equal(t, models.RoleViewer, tc.Role(), sel)
	}
}

func TestResolve_SelectorForeignOrganization(t *testing.T) {
	r, _ := newTestResolver(Policy{})
	_, err := r.Resolve(context.Background(), verified("single"), ClientMetadata{}, "other-co")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolve_MembershipLookupError(t *testing.T) {
	r := NewResolver(&fakeMemberships{err: errors.New("db down")}, &fakeRecorder{}, Policy{})
	_, err := r.Resolve(context.Background(), verified("single"), ClientMetadata{}, "")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoOrganization)
}

func TestResolve_ConcurrentContextsAreIndependent(t *testing.T) {
	r, _ := newTestResolver(Policy{})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			tc, err := r.Resolve(context.Background(), verified("multi"), ClientMetadata{}, "acme")
			if err != nil || tc.OrganizationID() != "org-acme" {
				t.Errorf("acme resolve = %q, %v", tc.OrganizationID(), err)
			}
		}()
		go func() {
			defer wg.Done()
			tc, err := r.Resolve(context.Background(), verified("multi"), ClientMetadata{}, "other-co")
			if err != nil || tc.OrganizationID() != "org-other" {
				t.Errorf("other-co resolve = %q, %v", tc.OrganizationID(), err)
			}
		}()
	}
	wg.Wait()
}

// ---------------------------------------------------------------------------
// Second factor policy
// ---------------------------------------------------------------------------

func TestResolve_SecondFactorPolicy(t *testing.T) {
	localNo2FA := Actor{ID: "single", DisplayName: "l", AuthSource: models.AuthSourceLocal}
	ssoNo2FA := Actor{ID: "single", DisplayName: "s", AuthSource: models.AuthSourceSSO}

	tests := []struct {
		name       string
		policy     Policy
		actor      Actor
		wantErr    error
		wantBypass bool
	}{
		{"policy off", Policy{}, localNo2FA, nil, false},
		{"local rejected", Policy{RequireSecondFactor: true, SSOSecondFactorBypass: true}, localNo2FA, ErrSecondFactorRequired, false},
		{"sso rejected without bypass", Policy{RequireSecondFactor: true}, ssoNo2FA, ErrSecondFactorRequired, false},
		{"sso bypass audited", Policy{RequireSecondFactor: true, SSOSecondFactorBypass: true}, ssoNo2FA, nil, true},
		{"verified actor", Policy{RequireSecondFactor: true}, verified("single"), nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, rec := newTestResolver(tt.policy)
			_, err := r.Resolve(context.Background(), tt.actor, ClientMetadata{IP: "1.2.3.4"}, "")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			if tt.wantBypass {
				require.Len(t, rec.records, 1)
				got := rec.records[0]
				assert.Equal(t, models.ActionTwoFactorBypass, got.Action)
				assert.True(t, got.Success)
				require.NotNil(t, got.ActorID)
				assert.Equal(t, "single", *got.ActorID)
				require.NotNil(t, got.IPAddress)
				assert.Equal(t, "1.2.3.4", *got.IPAddress)
			} else {
				assert.Empty(t, rec.records)
			}
		})
	}
}

func TestResolve_BypassFailsWhenNotRecorded(t *testing.T) {
	r, rec := newTestResolver(Policy{RequireSecondFactor: true, SSOSecondFactorBypass: true})
	rec.err = errors.New("audit down")

	_, err := r.Resolve(context.Background(), Actor{ID: "single", AuthSource: models.AuthSourceSSO}, ClientMetadata{}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not recorded")
}

// ---------------------------------------------------------------------------
// Elevate
// ---------------------------------------------------------------------------

func TestElevate_Superuser(t *testing.T) {
	r, rec := newTestResolver(Policy{})
	actor := verified("root")
	actor.Superuser = true

	el, err := r.Elevate(context.Background(), actor, ClientMetadata{RequestID: "req-1"}, "quarterly purge")
	require.NoError(t, err)
	assert.True(t, el.Valid())
	assert.Equal(t, "quarterly purge", el.Reason())

	require.Len(t, rec.records, 1)
	grant := rec.records[0]
	assert.Equal(t, models.ActionElevatedAccess, grant.Action)
	assert.True(t, grant.Success)
	assert.Equal(t, grant.ID, el.GrantID())
	assert.Equal(t, "req-1", grant.Context["request_id"])
	assert.Nil(t, grant.OrganizationID)
}

func TestElevate_NonSuperuserDeniedAndAudited(t *testing.T) {
	r, rec := newTestResolver(Policy{})

	el, err := r.Elevate(context.Background(), verified("single"), ClientMetadata{}, "curious")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, el.Valid())
	require.Len(t, rec.records, 1)
	assert.False(t, rec.records[0].Success)
}

func TestElevate_FailsClosedWhenGrantNotRecorded(t *testing.T) {
	r, rec := newTestResolver(Policy{})
	rec.err = errors.New("audit down")
	actor := verified("root")
	actor.Superuser = true

	el, err := r.Elevate(context.Background(), actor, ClientMetadata{}, "purge")
	require.Error(t, err)
	assert.False(t, el.Valid())
}

func TestSystemActorHasNoAuditActorID(t *testing.T) {
	r, rec := newTestResolver(Policy{RequireSecondFactor: true})

	el, err := r.Elevate(context.Background(), SystemActor("docvault rewrap"), ClientMetadata{}, "rewrap")
	require.NoError(t, err)
	assert.True(t, el.Valid())
	require.Len(t, rec.records, 1)
	assert.Nil(t, rec.records[0].ActorID)
	assert.Equal(t, "docvault rewrap", rec.records[0].ActorName)
}

func TestZeroContextIsInvalid(t *testing.T) {
	assert.False(t, Context{}.Valid())
	assert.False(t, Elevated{}.Valid())
	assert.False(t, NewContext(verified("a"), Organization{ID: "o"}, "owner", ClientMetadata{}).Valid())
}
