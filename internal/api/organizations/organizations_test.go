package organizations

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/repositories"
	"github.com/docvault/docvault/internal/middleware"
	"github.com/docvault/docvault/internal/tenant"
)

const acmeID = "4b1b5c1e-0f5a-4a53-9d1e-5a4c9c3f0a01"

var orgCols = []string{"id", "slug", "display_name", "active", "created_at", "updated_at"}

func init() {
	gin.SetMode(gin.TestMode)
}

type memRecorder struct {
	mu      sync.Mutex
	records []*models.AuditLog
}

func (m *memRecorder) Record(_ context.Context, rec *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *memRecorder) RecordBestEffort(ctx context.Context, rec *models.AuditLog) {
	_ = m.Record(ctx, rec)
}

func (m *memRecorder) last() *models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[len(m.records)-1]
}

func newMockRepo(t *testing.T) (*repositories.OrganizationRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return repositories.NewOrganizationRepository(sqlx.NewDb(db, "postgres")), mock
}

// mintElevated obtains an elevated context the way ElevateMiddleware does.
func mintElevated(t *testing.T, recorder *memRecorder) tenant.Elevated {
	t.Helper()
	root := tenant.Actor{ID: "root", DisplayName: "Root", SecondFactorVerified: true, Superuser: true}
	el, err := tenant.NewResolver(nil, recorder, tenant.Policy{}).
		Elevate(context.Background(), root, tenant.ClientMetadata{IP: "10.0.0.9"}, "provision tenant")
	require.NoError(t, err)
	return el
}

func newAdminRouter(t *testing.T, store Store, recorder *memRecorder) *gin.Engine {
	t.Helper()
	el := mintElevated(t, recorder)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.ElevatedKey, el)
		c.Next()
	})
	h := NewHandlers(store, recorder)
	r.GET("/admin/organizations", h.ListHandler())
	r.POST("/admin/organizations", h.CreateHandler())
	r.POST("/admin/organizations/:id/disable", h.DisableHandler())
	return r
}

func serve(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCurrentHandler(t *testing.T) {
	tc := tenant.NewContext(
		tenant.Actor{ID: "alice", SecondFactorVerified: true},
		tenant.Organization{ID: acmeID, Slug: "acme", Name: "Acme"},
		models.RoleViewer,
		tenant.ClientMetadata{},
	)
	r := gin.New()
	r.Use(func(c *gin.Context) { c.Set(middleware.TenantKey, tc); c.Next() })
	r.GET("/organizations/current", NewHandlers(nil, nil).CurrentHandler())

	w := serve(r, http.MethodGet, "/organizations/current", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Organization struct{ ID, Slug, Name string }
		Role         string
		Scopes       []string
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, acmeID, body.Organization.ID)
	assert.Equal(t, "acme", body.Organization.Slug)
	assert.Equal(t, "viewer", body.Role)
	assert.ElementsMatch(t, []string{"vault:list", "vault:otp"}, body.Scopes)
}

func TestCurrentHandler_NoTenant(t *testing.T) {
	r := gin.New()
	r.GET("/organizations/current", NewHandlers(nil, nil).CurrentHandler())

	w := serve(r, http.MethodGet, "/organizations/current", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListHandler_IncludeInactive(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT.*FROM organizations ORDER BY slug").
		WillReturnRows(sqlmock.NewRows(orgCols).
			AddRow(acmeID, "acme", "Acme", true, time.Now(), time.Now()).
			AddRow("7d1f3c2a-9b8e-4f60-a1d2-3c4b5a697887", "old-co", "Old Co", false, time.Now(), time.Now()))

	w := serve(newAdminRouter(t, repo, &memRecorder{}), http.MethodGet, "/admin/organizations?include_inactive=true", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Organizations []models.Organization
		Total         int
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.False(t, body.Organizations[1].Active)
}

func TestCreateHandler_Success(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("INSERT INTO organizations").
		WithArgs("acme", "Acme Corp").
		WillReturnRows(sqlmock.NewRows([]string{"id", "active", "created_at", "updated_at"}).
			AddRow(acmeID, true, time.Now(), time.Now()))

	recorder := &memRecorder{}
	w := serve(newAdminRouter(t, repo, recorder), http.MethodPost, "/admin/organizations",
		`{"slug":"acme","display_name":"  Acme Corp "}`)
	require.Equal(t, http.StatusCreated, w.Code)

	var org models.Organization
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &org))
	assert.Equal(t, acmeID, org.ID)
	assert.True(t, org.Active)

	rec := recorder.last()
	assert.Equal(t, models.ActionCreate, rec.Action)
	assert.True(t, rec.Success)
	require.NotNil(t, rec.OrganizationID)
	assert.Equal(t, acmeID, *rec.OrganizationID)
	assert.Equal(t, recorder.records[0].ID, rec.Context["grant_id"], "provisioning must reference the elevation grant")
}

func TestCreateHandler_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"slug":`},
		{"bad slug", `{"slug":"Acme Corp","display_name":"Acme"}`},
		{"reserved slug", `{"slug":"admin","display_name":"Admin"}`},
		{"missing name", `{"slug":"acme"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, _ := newMockRepo(t)
			w := serve(newAdminRouter(t, repo, &memRecorder{}), http.MethodPost, "/admin/organizations", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreateHandler_DuplicateSlug(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("INSERT INTO organizations").
		WithArgs("acme", "Acme").
		WillReturnError(&pq.Error{Code: "23505"})

	recorder := &memRecorder{}
	w := serve(newAdminRouter(t, repo, recorder), http.MethodPost, "/admin/organizations",
		`{"slug":"acme","display_name":"Acme"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	rec := recorder.last()
	assert.False(t, rec.Success)
	assert.Equal(t, "duplicate_slug", rec.Context["reason"])
}

func TestDisableHandler(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT.*FROM organizations WHERE id").
		WithArgs(acmeID).
		WillReturnRows(sqlmock.NewRows(orgCols).AddRow(acmeID, "acme", "Acme", true, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE organizations SET active").
		WithArgs(acmeID, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recorder := &memRecorder{}
	w := serve(newAdminRouter(t, repo, recorder), http.MethodPost, "/admin/organizations/"+acmeID+"/disable", "")
	require.Equal(t, http.StatusOK, w.Code)

	var org models.Organization
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &org))
	assert.False(t, org.Active)

	rec := recorder.last()
	assert.Equal(t, models.ActionUpdate, rec.Action)
	assert.Equal(t, false, rec.Context["active"])
}

func TestDisableHandler_NotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT.*FROM organizations WHERE id").
		WithArgs(acmeID).
		WillReturnRows(sqlmock.NewRows(orgCols))

	mock.ExpectQuery("SELECT.*FROM organizations WHERE slug").
		WithArgs("no-such-org").
		WillReturnRows(sqlmock.NewRows(orgCols))

	r := newAdminRouter(t, repo, &memRecorder{})
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/admin/organizations/"+acmeID+"/disable", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/admin/organizations/no-such-org/disable", "").Code)
	assert.Equal(t, http.StatusNotFound, serve(r, http.MethodPost, "/admin/organizations/Not%20A%20Slug/disable", "").Code)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDisableHandler_BySlug(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery("SELECT.*FROM organizations WHERE slug").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows(orgCols).AddRow(acmeID, "acme", "Acme", true, time.Now(), time.Now()))
	mock.ExpectExec("UPDATE organizations SET active").
		WithArgs(acmeID, false).
		WillReturnResult(sqlmock.NewResult(0, 1))

	recorder := &memRecorder{}
	w := serve(newAdminRouter(t, repo, recorder), http.MethodPost, "/admin/organizations/acme/disable", "")
	require.Equal(t, http.StatusOK, w.Code)

	rec := recorder.last()
	require.NotNil(t, rec.OrganizationID)
	assert.Equal(t, acmeID, *rec.OrganizationID)
	require.NoError(t, mock.ExpectationsWereMet())
}
