package storage_test

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/storage"
)

// ---------------------------------------------------------------------------
// Minimal mock Storage implementation for Register tests
// ---------------------------------------------------------------------------

type mockStorage struct{}

func (m *mockStorage) Upload(_ context.Context, _ string, _ io.Reader, _ int64) (*storage.UploadResult, error) {
	return nil, nil
}
func (m *mockStorage) Download(_ context.Context, _ string) (io.ReadCloser, error) { return nil, nil }
func (m *mockStorage) Delete(_ context.Context, _ string) error                    { return nil }
func (m *mockStorage) Exists(_ context.Context, _ string) (bool, error)            { return false, nil }
func (m *mockStorage) GetMetadata(_ context.Context, _ string) (*storage.FileMetadata, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// Register
// ---------------------------------------------------------------------------

func TestRegister_AddsFactory(t *testing.T) {
	storage.Register("test-backend", func(_ *config.Config) (storage.Storage, error) {
		return &mockStorage{}, nil
	})

	cfg := &config.Config{}
	cfg.Storage.DefaultBackend = "test-backend"

	s, err := storage.NewStorage(cfg)
	if err != nil {
		t.Fatalf("NewStorage() error: %v", err)
	}
	if s == nil {
		t.Fatal("NewStorage() returned nil")
	}
}

// ---------------------------------------------------------------------------
// NewStorage
// ---------------------------------------------------------------------------

func TestNewStorage_UnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.DefaultBackend = "completely-unknown-backend"

	_, err := storage.NewStorage(cfg)
	if err == nil {
		t.Error("NewStorage() = nil error, want error for unregistered backend")
	}
}

func TestNewStorage_EmptyBackend(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.DefaultBackend = ""

	_, err := storage.NewStorage(cfg)
	if err == nil {
		t.Error("NewStorage() = nil error, want error for empty backend name")
	}
}

func TestRegistered_ListsBackends(t *testing.T) {
	storage.Register("zz-backend", func(_ *config.Config) (storage.Storage, error) {
		return &mockStorage{}, nil
	})

	names := storage.Registered()
	if !strings.Contains(strings.Join(names, ","), "zz-backend") {
		t.Errorf("Registered() = %v, want zz-backend present", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("Registered() not sorted: %v", names)
		}
	}
}

// ---------------------------------------------------------------------------
// Provision
// ---------------------------------------------------------------------------

type provisioningStorage struct {
	mockStorage
	calls int
}

func (p *provisioningStorage) Provision(context.Context) error {
	p.calls++
	return nil
}

func TestProvision(t *testing.T) {
	ok, err := storage.Provision(context.Background(), &mockStorage{})
	if ok || err != nil {
		t.Errorf("Provision(plain) = %v, %v; want false, nil", ok, err)
	}

	p := &provisioningStorage{}
	ok, err = storage.Provision(context.Background(), p)
	if !ok || err != nil || p.calls != 1 {
		t.Errorf("Provision(provisioner) = %v, %v after %d calls", ok, err, p.calls)
	}
}
