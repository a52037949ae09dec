package audit

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/repositories"
	"github.com/docvault/docvault/internal/storage"
	"github.com/docvault/docvault/internal/storage/local"
	"github.com/docvault/docvault/internal/tenant"
	"github.com/docvault/docvault/pkg/checksum"
)

const (
	orgAcme  = "11111111-1111-1111-1111-111111111111"
	orgOther = "22222222-2222-2222-2222-222222222222"
)

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu          sync.Mutex
	logs        []*models.AuditLog
	failActions map[string]error
	failSelect  error
	failDelete  error

	lastFilters repositories.AuditFilters
	lastLimit   int
	lastOffset  int
}

func newMemStore() *memStore {
	return &memStore{failActions: map[string]error{}}
}

func (m *memStore) CreateAuditLog(_ context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failActions[log.Action]; err != nil {
		return err
	}
	m.logs = append(m.logs, log)
	return nil
}

func (m *memStore) ListAuditLogs(_ context.Context, f repositories.AuditFilters, limit, offset int) ([]*models.AuditLog, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilters, m.lastLimit, m.lastOffset = f, limit, offset
	var out []*models.AuditLog
	for _, l := range m.logs {
		if f.OrganizationID != nil && (l.OrganizationID == nil || *l.OrganizationID != *f.OrganizationID) {
			continue
		}
		if f.Action != nil && l.Action != *f.Action {
			continue
		}
		out = append(out, l)
	}
	return out, len(out), nil
}

func (m *memStore) GetAuditLog(_ context.Context, id string) (*models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.logs {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, nil
}

func (m *memStore) SelectForPurge(_ context.Context, before time.Time, orgID *string, excludeID string, limit int) ([]*models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSelect != nil {
		return nil, m.failSelect
	}
	var out []*models.AuditLog
	for _, l := range m.logs {
		if !l.CreatedAt.Before(before) || l.ID == excludeID {
			continue
		}
		if orgID != nil && (l.OrganizationID == nil || *l.OrganizationID != *orgID) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) DeleteByIDs(_ context.Context, ids []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDelete != nil {
		return 0, m.failDelete
	}
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	kept := m.logs[:0]
	var n int64
	for _, l := range m.logs {
		if drop[l.ID] {
			n++
			continue
		}
		kept = append(kept, l)
	}
	m.logs = kept
	return n, nil
}

func (m *memStore) byAction(action string) []*models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AuditLog
	for _, l := range m.logs {
		if l.Action == action {
			out = append(out, l)
		}
	}
	return out
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

type chanShipper struct{ ch chan *models.AuditLog }

func (c *chanShipper) Ship(_ context.Context, rec *models.AuditLog) error {
	c.ch <- rec
	return nil
}
func (c *chanShipper) Close() error { return nil }

type failingStorage struct{ storage.Storage }

func (failingStorage) Upload(context.Context, string, io.Reader, int64) (*storage.UploadResult, error) {
	return nil, errors.New("bucket unavailable")
}

// corruptingStorage reports a checksum that does not match the uploaded content.
type corruptingStorage struct {
	storage.Storage
	deleted []string
}

func (*corruptingStorage) Upload(_ context.Context, path string, _ io.Reader, size int64) (*storage.UploadResult, error) {
	return &storage.UploadResult{Path: path, Size: size, Checksum: strings.Repeat("0", 64)}, nil
}

func (c *corruptingStorage) Delete(_ context.Context, path string) error {
	c.deleted = append(c.deleted, path)
	return nil
}

// opaqueStorage wraps a backend that reports no checksums, optionally serving different bytes
// on read-back than were written.
type opaqueStorage struct {
	storage.Storage
	tamper bool
}

func (o *opaqueStorage) Upload(ctx context.Context, path string, r io.Reader, size int64) (*storage.UploadResult, error) {
	res, err := o.Storage.Upload(ctx, path, r, size)
	if err != nil {
		return nil, err
	}
	res.Checksum = ""
	return res, nil
}

func (o *opaqueStorage) GetMetadata(ctx context.Context, path string) (*storage.FileMetadata, error) {
	meta, err := o.Storage.GetMetadata(ctx, path)
	if err != nil {
		return nil, err
	}
	meta.Checksum = ""
	return meta, nil
}

func (o *opaqueStorage) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	rc, err := o.Storage.Download(ctx, path)
	if err != nil || !o.tamper {
		return rc, err
	}
	body, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, err
	}
	body[0] ^= 0xff
	return io.NopCloser(bytes.NewReader(body)), nil
}

func acmeContext() tenant.Context {
	return tenant.NewContext(
		tenant.Actor{ID: "33333333-3333-3333-3333-333333333333", DisplayName: "alice", AuthSource: models.AuthSourceLocal, SecondFactorVerified: true},
		tenant.Organization{ID: orgAcme, Slug: "acme", Name: "Acme"},
		models.RoleEditor,
		tenant.ClientMetadata{IP: "10.0.0.5", UserAgent: "curl/8", Path: "/api/v1/vault/7/reveal", RequestID: "req-1"},
	)
}

func elevate(t *testing.T, trail *Trail) tenant.Elevated {
	t.Helper()
	r := tenant.NewResolver(nil, trail, tenant.Policy{})
	el, err := r.Elevate(context.Background(), tenant.SystemActor("retention-job"), tenant.ClientMetadata{}, "retention")
	require.NoError(t, err)
	return el
}

func seed(store *memStore, orgID string, createdAt time.Time, n int) {
	for i := 0; i < n; i++ {
		rec := &models.AuditLog{ID: uuid.New().String(), Action: models.ActionReveal, Success: true, CreatedAt: createdAt}
		if orgID != "" {
			o := orgID
			rec.OrganizationID = &o
		}
		store.logs = append(store.logs, rec)
	}
}

func TestRecord_CommitsAndShips(t *testing.T) {
	store := newMemStore()
	shipper := &chanShipper{ch: make(chan *models.AuditLog, 1)}
	trail := NewTrail(store, shipper, nil)

	rec := FromTenant(acmeContext(), models.ActionReveal).
		Target(models.TargetVaultEntry, "7", "FW Admin").
		Succeeded()
	require.NoError(t, trail.Record(context.Background(), rec))

	assert.NotEmpty(t, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	require.Len(t, store.byAction(models.ActionReveal), 1)

	select {
	case shipped := <-shipper.ch:
		assert.Equal(t, rec.ID, shipped.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("record was not shipped")
	}
}

func TestRecord_FailureIsTyped(t *testing.T) {
	store := newMemStore()
	cause := errors.New("connection refused")
	store.failActions[models.ActionReveal] = cause
	trail := NewTrail(store, nil, nil)

	rec := FromTenant(acmeContext(), models.ActionReveal).Succeeded()
	err := trail.Record(context.Background(), rec)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.ErrorIs(t, err, cause)
	var we *WriteError
	require.ErrorAs(t, err, &we)
	assert.Same(t, rec, we.Record)
	assert.Zero(t, store.count())
}

func TestRecordBestEffort_SwallowsFailure(t *testing.T) {
	store := newMemStore()
	store.failActions[models.ActionList] = errors.New("disk full")
	trail := NewTrail(store, nil, nil)

	trail.RecordBestEffort(context.Background(), FromTenant(acmeContext(), models.ActionList).Succeeded())
	assert.Zero(t, store.count())
}

func TestFromTenant_CopiesContext(t *testing.T) {
	rec := FromTenant(acmeContext(), models.ActionReveal).
		Target(models.TargetVaultEntry, "7", "FW Admin").
		With("field", "secret").
		Failed("not_found")

	require.NotNil(t, rec.ActorID)
	assert.Equal(t, "33333333-3333-3333-3333-333333333333", *rec.ActorID)
	assert.Equal(t, "alice", rec.ActorName)
	require.NotNil(t, rec.OrganizationID)
	assert.Equal(t, orgAcme, *rec.OrganizationID)
	assert.Equal(t, "10.0.0.5", *rec.IPAddress)
	assert.Equal(t, "curl/8", *rec.UserAgent)
	assert.Equal(t, models.TargetVaultEntry, *rec.TargetType)
	assert.Equal(t, "7", *rec.TargetID)
	assert.Equal(t, "FW Admin", *rec.TargetDisplay)
	assert.Equal(t, "req-1", rec.Context["request_id"])
	assert.Equal(t, "not_found", rec.Context["reason"])
	assert.False(t, rec.Success)
}

func TestFromActor_NoOrganization(t *testing.T) {
	rec := FromActor(tenant.Actor{DisplayName: "unknown"}, tenant.ClientMetadata{IP: "10.0.0.9"}, models.ActionLoginFailed).
		Failed("invalid_token")
	assert.Nil(t, rec.ActorID)
	assert.Nil(t, rec.OrganizationID)
	assert.Equal(t, models.ActionLoginFailed, rec.Action)
}

func TestQuery_ClampsLimit(t *testing.T) {
	store := newMemStore()
	trail := NewTrail(store, nil, nil)

	tests := []struct {
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{0, 0, 50, 0},
		{10, 20, 10, 20},
		{10000, -5, 500, 0},
	}
	for _, tt := range tests {
		_, _, err := trail.Query(context.Background(), repositories.AuditFilters{}, tt.limit, tt.offset)
		require.NoError(t, err)
		assert.Equal(t, tt.wantLimit, store.lastLimit)
		assert.Equal(t, tt.wantOffset, store.lastOffset)
	}
}

func TestQueryTenant_ForcesOrganization(t *testing.T) {
	store := newMemStore()
	trail := NewTrail(store, nil, nil)
	seed(store, orgAcme, time.Now(), 2)
	seed(store, orgOther, time.Now(), 3)

	other := orgOther
	logs, total, err := trail.QueryTenant(context.Background(), acmeContext(), repositories.AuditFilters{OrganizationID: &other}, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, logs, 2)
	assert.Equal(t, orgAcme, *store.lastFilters.OrganizationID)

	_, _, err = trail.QueryTenant(context.Background(), tenant.Context{}, repositories.AuditFilters{}, 0, 0)
	assert.ErrorIs(t, err, tenant.ErrUnauthenticated)
}

func TestGetTenant_OtherOrganizationIsNotFound(t *testing.T) {
	store := newMemStore()
	trail := NewTrail(store, nil, nil)
	seed(store, orgAcme, time.Now(), 1)
	seed(store, orgOther, time.Now(), 1)
	seed(store, "", time.Now(), 1)
	own, foreign, platform := store.logs[0].ID, store.logs[1].ID, store.logs[2].ID

	rec, err := trail.GetTenant(context.Background(), acmeContext(), own)
	require.NoError(t, err)
	assert.Equal(t, own, rec.ID)

	for name, id := range map[string]string{
		"other organization": foreign,
		"no organization":    platform,
		"missing":            uuid.New().String(),
		"not a uuid":         "7",
	} {
		t.Run(name, func(t *testing.T) {
			rec, err := trail.GetTenant(context.Background(), acmeContext(), id)
			assert.ErrorIs(t, err, repositories.ErrNotFound)
			assert.Nil(t, rec)
		})
	}

	_, err = trail.GetTenant(context.Background(), tenant.Context{}, own)
	assert.ErrorIs(t, err, tenant.ErrUnauthenticated)
}

func TestPurge_RequiresElevation(t *testing.T) {
	trail := NewTrail(newMemStore(), nil, nil)
	_, err := trail.Purge(context.Background(), tenant.Elevated{}, time.Now(), nil)
	assert.ErrorIs(t, err, tenant.ErrUnauthorized)
}

func TestPurge_RejectsFutureCutoff(t *testing.T) {
	store := newMemStore()
	trail := NewTrail(store, nil, nil)
	el := elevate(t, trail)

	_, err := trail.Purge(context.Background(), el, time.Now().Add(time.Hour), nil)
	assert.ErrorIs(t, err, ErrInvalidCutoff)
	assert.Empty(t, store.byAction(models.ActionPurge))
}

func TestPurge_FailsClosedWhenPurgeRecordNotWritten(t *testing.T) {
	store := newMemStore()
	trail := NewTrail(store, nil, nil)
	el := elevate(t, trail)
	seed(store, orgAcme, time.Now().Add(-48*time.Hour), 3)
	before := store.count()

	store.failActions[models.ActionPurge] = errors.New("audit table locked")
	_, err := trail.Purge(context.Background(), el, time.Now().Add(-time.Hour), nil)

	assert.ErrorIs(t, err, ErrWriteFailed)
	assert.Equal(t, before, store.count())
}

func TestPurge_ArchivesThenDeletes(t *testing.T) {
	store := newMemStore()
	archiveDir := t.TempDir()
	backend, err := local.New(&config.LocalStorageConfig{BasePath: archiveDir})
	require.NoError(t, err)
	archiver, err := NewArchiver(backend, config.AuditArchiveConfig{Enabled: true, Prefix: "purges"})
	require.NoError(t, err)
	trail := NewTrail(store, nil, archiver)
	el := elevate(t, trail)

	old := time.Now().Add(-90 * 24 * time.Hour)
	seed(store, orgAcme, old, 4)
	seed(store, orgOther, old, 2)
	seed(store, orgAcme, time.Now(), 1)

	res, err := trail.Purge(context.Background(), el, time.Now().Add(-30*24*time.Hour), nil)
	require.NoError(t, err)
	assert.EqualValues(t, 6, res.Deleted)
	require.Len(t, res.Archives, 1)
	assert.True(t, strings.HasPrefix(res.Archives[0], "purges/"+res.PurgeID+"/"))

	rc, err := backend.Download(context.Background(), res.Archives[0])
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, 6, bytes.Count(body, []byte("\n")))

	// Newer records, the elevation grant and both purge records survive.
	assert.Len(t, store.byAction(models.ActionReveal), 1)
	assert.Len(t, store.byAction(models.ActionElevatedAccess), 1)
	purges := store.byAction(models.ActionPurge)
	require.Len(t, purges, 2)
	assert.Equal(t, "started", purges[0].Context["phase"])
	assert.Equal(t, el.GrantID(), purges[0].Context["grant_id"])
	assert.Equal(t, "completed", purges[1].Context["phase"])
}

func TestPurge_OrganizationFilter(t *testing.T) {
	store := newMemStore()
	trail := NewTrail(store, nil, nil)
	el := elevate(t, trail)

	old := time.Now().Add(-48 * time.Hour)
	seed(store, orgAcme, old, 3)
	seed(store, orgOther, old, 2)

	org := orgOther
	res, err := trail.Purge(context.Background(), el, time.Now(), &org)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.Deleted)

	logs, _, _ := store.ListAuditLogs(context.Background(), repositories.AuditFilters{Action: strPtr(models.ActionReveal)}, 100, 0)
	for _, l := range logs {
		assert.Equal(t, orgAcme, *l.OrganizationID)
	}
}

func TestPurge_ArchiveFailureKeepsRecords(t *testing.T) {
	store := newMemStore()
	archiver, err := NewArchiver(failingStorage{}, config.AuditArchiveConfig{})
	require.NoError(t, err)
	trail := NewTrail(store, nil, archiver)
	el := elevate(t, trail)
	seed(store, orgAcme, time.Now().Add(-48*time.Hour), 3)

	res, err := trail.Purge(context.Background(), el, time.Now(), nil)
	require.Error(t, err)
	assert.Zero(t, res.Deleted)
	assert.Len(t, store.byAction(models.ActionReveal), 3)

	purges := store.byAction(models.ActionPurge)
	require.Len(t, purges, 2)
	assert.False(t, purges[1].Success)
	assert.Equal(t, "aborted", purges[1].Context["phase"])
}

func TestArchiver_EncryptsToRecipient(t *testing.T) {
	entity, err := openpgp.NewEntity("Compliance", "archive", "compliance@example.com", nil)
	require.NoError(t, err)

	var armored bytes.Buffer
	w, err := armor.Encode(&armored, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())
	keyPath := filepath.Join(t.TempDir(), "recipient.asc")
	require.NoError(t, os.WriteFile(keyPath, armored.Bytes(), 0o600))

	backend, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	archiver, err := NewArchiver(backend, config.AuditArchiveConfig{PGPRecipientFile: keyPath})
	require.NoError(t, err)
	assert.True(t, archiver.Encrypted())

	rec := FromTenant(acmeContext(), models.ActionReveal).Target(models.TargetVaultEntry, "7", "FW Admin").Succeeded()
	res, err := archiver.Archive(context.Background(), "batch", []*models.AuditLog{rec})
	require.NoError(t, err)
	assert.Equal(t, "batch.jsonl.pgp", res.Path)

	rc, err := backend.Download(context.Background(), res.Path)
	require.NoError(t, err)
	defer rc.Close()
	md, err := openpgp.ReadMessage(rc, openpgp.EntityList{entity}, nil, nil)
	require.NoError(t, err)
	plain, err := io.ReadAll(md.UnverifiedBody)
	require.NoError(t, err)
	assert.Contains(t, string(plain), `"action":"reveal"`)
	assert.Contains(t, string(plain), `"target_display":"FW Admin"`)
}

func TestArchiver_NeverOverwrites(t *testing.T) {
	backend, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	archiver, err := NewArchiver(backend, config.AuditArchiveConfig{})
	require.NoError(t, err)

	_, err = archiver.Archive(context.Background(), "batch", nil)
	require.NoError(t, err)
	_, err = archiver.Archive(context.Background(), "batch", nil)
	assert.ErrorIs(t, err, storage.ErrObjectExists)
}

func TestPurge_ChecksumMismatchKeepsRecords(t *testing.T) {
	store := newMemStore()
	backend := &corruptingStorage{}
	archiver, err := NewArchiver(backend, config.AuditArchiveConfig{})
	require.NoError(t, err)
	trail := NewTrail(store, nil, archiver)
	el := elevate(t, trail)
	seed(store, orgAcme, time.Now().Add(-48*time.Hour), 2)

	res, err := trail.Purge(context.Background(), el, time.Now(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, checksum.ErrMismatch)
	assert.Zero(t, res.Deleted)
	assert.Len(t, store.byAction(models.ActionReveal), 2)
	assert.Len(t, backend.deleted, 1)
}

func TestArchiver_VerifiesByReadingBack(t *testing.T) {
	backend, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	archiver, err := NewArchiver(&opaqueStorage{Storage: backend}, config.AuditArchiveConfig{})
	require.NoError(t, err)

	rec := FromTenant(acmeContext(), models.ActionReveal).Target(models.TargetVaultEntry, "7", "FW Admin").Succeeded()
	res, err := archiver.Archive(context.Background(), "batch", []*models.AuditLog{rec})
	require.NoError(t, err)
	exists, err := backend.Exists(context.Background(), res.Path)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestArchiver_ReadBackMismatchRemovesObject(t *testing.T) {
	backend, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	require.NoError(t, err)
	archiver, err := NewArchiver(&opaqueStorage{Storage: backend, tamper: true}, config.AuditArchiveConfig{})
	require.NoError(t, err)

	rec := FromTenant(acmeContext(), models.ActionReveal).Succeeded()
	_, err = archiver.Archive(context.Background(), "batch", []*models.AuditLog{rec})
	require.ErrorIs(t, err, checksum.ErrMismatch)

	exists, err := backend.Exists(context.Background(), "batch.jsonl")
	require.NoError(t, err)
	assert.False(t, exists, "unverified archive must be removed so the batch can be retried")

	// With the object gone the same batch name can be archived again.
	archiver, err = NewArchiver(&opaqueStorage{Storage: backend}, config.AuditArchiveConfig{})
	require.NoError(t, err)
	_, err = archiver.Archive(context.Background(), "batch", []*models.AuditLog{rec})
	require.NoError(t, err)
}

func strPtr(s string) *string { return &s }
