// Package vault is the secrets vault: CRUD over encrypted credential entries, scoped to one
// organization per call.
//
// Listing and metadata operations never decrypt. Reveal and GenerateOTP are the only paths that
// produce plaintext, and both commit an audit record before returning it; if that record cannot
// be written the plaintext is discarded and the call fails. VerifyOTP opens the seed but only
// answers whether a code matches, under the same audit rule.
//
// Every entry's ciphertext is bound to its owning organization id as AEAD associated data, so a
// blob copied into another tenant's row does not decrypt.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/crypto"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/scoped"
	"github.com/docvault/docvault/internal/telemetry"
	"github.com/docvault/docvault/internal/tenant"
)

var (
	// ErrNotFound covers absent entries and entries of other organizations.
	ErrNotFound = errors.New("not found")
	// ErrUnableToComplete hides decryption, storage and audit failures from callers.
	ErrUnableToComplete = errors.New("unable to complete request")
	// ErrConflict means the entry changed since the caller read it.
	ErrConflict = errors.New("entry was modified concurrently")
	// ErrInvalidInput is returned for invalid create/update fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNoTOTP is returned by GenerateOTP and VerifyOTP for entries without a TOTP seed.
	ErrNoTOTP = errors.New("entry has no TOTP seed")
)

// Operation names used in metrics.
const (
	opList     = "list"
	opGet      = "get"
	opReveal   = "reveal"
	opOTP      = "generate_otp"
	opVerify   = "verify_otp"
	opCreate   = "create"
	opUpdate   = "update"
	opDelete   = "delete"
	opRewrap   = "rewrap"
	maxListLen = 200
)

// EntriesTable maps models.VaultEntry onto vault_entries.
var EntriesTable = scoped.Table{
	Name: "vault_entries",
	Columns: []string{
		"id", "organization_id", "title", "username", "entry_type", "secret_ciphertext",
		"totp_seed_ciphertext", "key_version", "url", "notes", "expires_at", "version",
		"created_by", "updated_by", "created_at", "updated_at",
	},
	Insert: []string{
		"title", "username", "entry_type", "secret_ciphertext", "totp_seed_ciphertext",
		"key_version", "url", "notes", "expires_at", "created_by", "updated_by",
	},
	Update: []string{
		"title", "username", "entry_type", "secret_ciphertext", "totp_seed_ciphertext",
		"key_version", "url", "notes", "expires_at", "updated_by",
	},
	DefaultOrder: "title",
}

// Auditor is the audit trail as seen by the vault. *audit.Trail implements it.
type Auditor interface {
	Record(ctx context.Context, rec *models.AuditLog) error
	RecordBestEffort(ctx context.Context, rec *models.AuditLog)
}

// Service implements the vault operations.
type Service struct {
	entries *scoped.Repository[models.VaultEntry, *models.VaultEntry]
	crypto  *crypto.Service
	audit   Auditor
	now     func() time.Time
}

// NewService creates a vault Service.
func NewService(db *sqlx.DB, cryptoSvc *crypto.Service, auditor Auditor) *Service {
	return &Service{
		entries: scoped.New[models.VaultEntry, *models.VaultEntry](db, EntriesTable),
		crypto:  cryptoSvc,
		audit:   auditor,
		now:     time.Now,
	}
}

// EntryInput carries caller-supplied fields for Create and Update. On Update, a nil Secret or
// TOTPSeed keeps the stored value, re-encrypted under a fresh data key and nonce. An empty
// TOTPSeed removes it.
type EntryInput struct {
	Title     string
	Username  string
	EntryType string
	URL       string
	Notes     string
	Secret    *string
	TOTPSeed  *string // base32
	ExpiresAt *time.Time
	// Version is the optimistic-lock version the caller last read. Zero skips the check.
	Version int64
}

// ListOptions narrows List.
type ListOptions struct {
	Query  string // case-insensitive title substring
	Limit  int
	Offset int
}

// OTP is a generated one-time code.
type OTP struct {
	Code      string        `json:"code"`
	ExpiresIn time.Duration `json:"-"`
}

func observe(op, outcome string) {
	telemetry.VaultOperationsTotal.WithLabelValues(op, outcome).Inc()
}

// authorize checks that tc is usable and its role grants the scope.
func authorize(tc tenant.Context, scope auth.Scope) error {
	if !tc.Valid() {
		return tenant.ErrUnauthenticated
	}
	if !auth.RoleHasScope(tc.Role(), scope) {
		return tenant.ErrUnauthorized
	}
	return nil
}

// lookup finds an entry in tc's organization and maps repository errors.
func (s *Service) lookup(ctx context.Context, tc tenant.Context, id string) (*models.VaultEntry, error) {
	entry, err := s.entries.ForTenant(tc).Find(ctx, id)
	switch {
	case errors.Is(err, scoped.ErrNotFound):
		return nil, ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrUnableToComplete, err)
	}
	return entry, nil
}

// outcomeOf classifies an error for metrics and audit reasons.
func outcomeOf(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, tenant.ErrUnauthorized), errors.Is(err, tenant.ErrUnauthenticated):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	}
	return "failed"
}

// entryRecord starts an audit record for a vault entry.
func entryRecord(tc tenant.Context, action, id string, entry *models.VaultEntry) *audit.Entry {
	display := ""
	if entry != nil {
		display = entry.Title
	}
	if len(id) > 64 {
		id = id[:64]
	}
	return audit.FromTenant(tc, action).Target(models.TargetVaultEntry, id, display)
}

// fail records a failed operation best effort and counts it.
func (s *Service) fail(ctx context.Context, tc tenant.Context, op, action, id string, entry *models.VaultEntry, err error) error {
	outcome := outcomeOf(err)
	observe(op, outcome)
	if tc.Valid() {
		s.audit.RecordBestEffort(context.WithoutCancel(ctx), entryRecord(tc, action, id, entry).Failed(outcome))
	}
	return err
}

// actorRef returns the actor id for created_by/updated_by, or nil for the system actor.
func actorRef(tc tenant.Context) *string {
	id := tc.Actor().ID
	if id == "" || id == tenant.SystemActorID {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	return &id
}

func (in EntryInput) validate(creating bool) error {
	title := strings.TrimSpace(in.Title)
	switch {
	case title == "":
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	case len(title) > 255:
		return fmt.Errorf("%w: title exceeds 255 characters", ErrInvalidInput)
	case len(in.Username) > 255:
		return fmt.Errorf("%w: username exceeds 255 characters", ErrInvalidInput)
	case creating && in.Secret == nil:
		return fmt.Errorf("%w: secret is required", ErrInvalidInput)
	}
	switch in.EntryType {
	case "", models.EntryTypePassword, models.EntryTypeAPIKey, models.EntryTypeSSHKey, models.EntryTypeNote:
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidInput, in.EntryType)
	}
	return nil
}

func logDecryptFailure(entry *models.VaultEntry, field string, err error) {
	telemetry.DecryptionFailuresTotal.Inc()
	slog.Error("vault entry failed to decrypt",
		"entry_id", entry.ID,
		"organization_id", entry.OrganizationID,
		"key_version", entry.KeyVersion,
		"field", field,
		"error", err)
}
