package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/crypto"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/scoped"
	"github.com/docvault/docvault/internal/telemetry"
	"github.com/docvault/docvault/internal/tenant"
)

const rewrapBatchSize = 100

// RewrapResult summarizes a RewrapAll run.
type RewrapResult struct {
	Scanned   int `json:"scanned"`
	Rewrapped int `json:"rewrapped"`
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

// mapWriteError translates repository errors for mutating operations.
func mapWriteError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, scoped.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, scoped.ErrConflict):
		return ErrConflict
	}
	return fmt.Errorf("%w: %w", ErrUnableToComplete, err)
}

// seal encrypts a value for orgID.
func (s *Service) seal(orgID string, value []byte) ([]byte, error) {
	blob, err := s.crypto.Seal(value, []byte(orgID))
	if err != nil {
		slog.Error("failed to encrypt vault value", "organization_id", orgID, "error", err)
		return nil, ErrUnableToComplete
	}
	return blob, nil
}

// sealSeed validates a base32 TOTP seed and encrypts its raw bytes.
func (s *Service) sealSeed(orgID, encoded string) ([]byte, error) {
	seed, err := crypto.DecodeTOTPSeed(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}
	defer zeroBytes(seed)
	return s.seal(orgID, seed)
}

// reseal decrypts a stored value of entry and encrypts it again under fresh keys.
func (s *Service) reseal(entry *models.VaultEntry, field string, blob []byte) ([]byte, error) {
	plaintext, err := s.crypto.Open(blob, []byte(entry.OrganizationID))
	if err != nil {
		logDecryptFailure(entry, field, err)
		return nil, ErrUnableToComplete
	}
	defer zeroBytes(plaintext)
	return s.seal(entry.OrganizationID, plaintext)
}

// Create stores a new entry in tc's organization.
func (s *Service) Create(ctx context.Context, tc tenant.Context, in EntryInput) (*models.VaultEntrySummary, error) {
	if err := authorize(tc, auth.ScopeVaultWrite); err != nil {
		return nil, s.fail(ctx, tc, opCreate, models.ActionCreate, "", nil, err)
	}
	if err := in.validate(true); err != nil {
		return nil, s.fail(ctx, tc, opCreate, models.ActionCreate, "", nil, err)
	}

	orgID := tc.OrganizationID()
	entry := &models.VaultEntry{
		Title:     strings.TrimSpace(in.Title),
		Username:  in.Username,
		EntryType: in.EntryType,
		URL:       in.URL,
		Notes:     in.Notes,
		ExpiresAt: in.ExpiresAt,
		CreatedBy: actorRef(tc),
		UpdatedBy: actorRef(tc),
	}
	if entry.EntryType == "" {
		entry.EntryType = models.EntryTypePassword
	}

	var err error
	if entry.Secret, err = s.seal(orgID, []byte(*in.Secret)); err != nil {
		return nil, s.fail(ctx, tc, opCreate, models.ActionCreate, "", nil, err)
	}
	if in.TOTPSeed != nil && *in.TOTPSeed != "" {
		if entry.TOTPSeed, err = s.sealSeed(orgID, *in.TOTPSeed); err != nil {
			return nil, s.fail(ctx, tc, opCreate, models.ActionCreate, "", nil, err)
		}
	}
	if err := s.setKeyVersion(entry); err != nil {
		return nil, s.fail(ctx, tc, opCreate, models.ActionCreate, "", nil, err)
	}

	if err := s.entries.ForTenant(tc).Create(ctx, entry); err != nil {
		return nil, s.fail(ctx, tc, opCreate, models.ActionCreate, "", nil, mapWriteError(err))
	}

	observe(opCreate, "success")
	s.audit.RecordBestEffort(ctx, entryRecord(tc, models.ActionCreate, entry.ID, entry).
		With("has_totp", entry.HasTOTP()).
		Succeeded())
	summary := entry.Summary(s.now())
	return &summary, nil
}

// Update replaces an entry's fields. Every write re-encrypts: a kept secret or seed is opened
// and sealed again under a fresh data key and nonce, so secret and seed always share the
// entry's key_version and no ciphertext survives an update.
func (s *Service) Update(ctx context.Context, tc tenant.Context, id string, in EntryInput) (*models.VaultEntrySummary, error) {
	if err := authorize(tc, auth.ScopeVaultWrite); err != nil {
		return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, nil, err)
	}
	if err := in.validate(false); err != nil {
		return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, nil, err)
	}
	entry, err := s.lookup(ctx, tc, id)
	if err != nil {
		return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, nil, err)
	}
	if in.Version != 0 && in.Version != entry.Version {
		return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, entry, ErrConflict)
	}

	orgID := entry.OrganizationID
	entry.Title = strings.TrimSpace(in.Title)
	entry.Username = in.Username
	if in.EntryType != "" {
		entry.EntryType = in.EntryType
	}
	entry.URL = in.URL
	entry.Notes = in.Notes
	entry.ExpiresAt = in.ExpiresAt
	entry.UpdatedBy = actorRef(tc)

	changed := []string{}
	if in.Secret != nil {
		entry.Secret, err = s.seal(orgID, []byte(*in.Secret))
		changed = append(changed, "secret")
	} else {
		entry.Secret, err = s.reseal(entry, "secret", entry.Secret)
	}
	if err != nil {
		return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, entry, err)
	}
	switch {
	case in.TOTPSeed == nil:
		if entry.HasTOTP() {
			if entry.TOTPSeed, err = s.reseal(entry, "totp_seed", entry.TOTPSeed); err != nil {
				return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, entry, err)
			}
		}
	case *in.TOTPSeed == "":
		entry.TOTPSeed = nil
		changed = append(changed, "totp_seed")
	default:
		if entry.TOTPSeed, err = s.sealSeed(orgID, *in.TOTPSeed); err != nil {
			return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, entry, err)
		}
		changed = append(changed, "totp_seed")
	}
	if err := s.setKeyVersion(entry); err != nil {
		return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, entry, err)
	}

	if err := s.entries.ForTenant(tc).Update(ctx, entry); err != nil {
		return nil, s.fail(ctx, tc, opUpdate, models.ActionUpdate, id, entry, mapWriteError(err))
	}

	observe(opUpdate, "success")
	s.audit.RecordBestEffort(ctx, entryRecord(tc, models.ActionUpdate, id, entry).
		With("changed", changed).
		Succeeded())
	summary := entry.Summary(s.now())
	return &summary, nil
}

// Delete removes an entry.
func (s *Service) Delete(ctx context.Context, tc tenant.Context, id string) error {
	if err := authorize(tc, auth.ScopeVaultWrite); err != nil {
		return s.fail(ctx, tc, opDelete, models.ActionDelete, id, nil, err)
	}
	entry, err := s.lookup(ctx, tc, id)
	if err != nil {
		return s.fail(ctx, tc, opDelete, models.ActionDelete, id, nil, err)
	}
	if err := s.entries.ForTenant(tc).Delete(ctx, id); err != nil {
		return s.fail(ctx, tc, opDelete, models.ActionDelete, id, entry, mapWriteError(err))
	}
	observe(opDelete, "success")
	s.audit.RecordBestEffort(ctx, entryRecord(tc, models.ActionDelete, id, entry).Succeeded())
	return nil
}

// Rewrap re-wraps one entry's data keys under the active master key. Ciphertext payloads are
// not re-encrypted.
func (s *Service) Rewrap(ctx context.Context, tc tenant.Context, id string) (*models.VaultEntrySummary, error) {
	if err := authorize(tc, auth.ScopeVaultWrite); err != nil {
		return nil, s.fail(ctx, tc, opRewrap, models.ActionRewrap, id, nil, err)
	}
	entry, err := s.lookup(ctx, tc, id)
	if err != nil {
		return nil, s.fail(ctx, tc, opRewrap, models.ActionRewrap, id, nil, err)
	}
	from := entry.KeyVersion
	changed, err := s.rewrapEntry(entry)
	if err != nil {
		return nil, s.fail(ctx, tc, opRewrap, models.ActionRewrap, id, entry, err)
	}
	if changed {
		if err := s.entries.ForTenant(tc).Update(ctx, entry); err != nil {
			return nil, s.fail(ctx, tc, opRewrap, models.ActionRewrap, id, entry, mapWriteError(err))
		}
		telemetry.RewrappedEntriesTotal.Inc()
	}
	observe(opRewrap, "success")
	s.audit.RecordBestEffort(ctx, entryRecord(tc, models.ActionRewrap, id, entry).
		With("from_key_version", from).
		With("to_key_version", entry.KeyVersion).
		Succeeded())
	summary := entry.Summary(s.now())
	return &summary, nil
}

// RewrapAll re-wraps every entry not yet under the active master key, across all
// organizations. Entries that fail or change concurrently are counted and skipped.
func (s *Service) RewrapAll(ctx context.Context, el tenant.Elevated) (*RewrapResult, error) {
	if !el.Valid() {
		return nil, tenant.ErrUnauthorized
	}
	all := s.entries.AllOrganizations(el)
	active := int64(s.crypto.ActiveKeyVersion())
	result := &RewrapResult{}

	last := ""
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		filter := scoped.Filter{
			Conditions: []scoped.Condition{{Column: "key_version", Op: scoped.OpNotEq, Value: active}},
			OrderBy:    "id",
			Limit:      rewrapBatchSize,
		}
		if last != "" {
			filter.Conditions = append(filter.Conditions, scoped.Condition{Column: "id", Op: scoped.OpGt, Value: last})
		}
		batch, err := all.List(ctx, filter)
		if err != nil {
			return result, fmt.Errorf("failed to list entries for rewrap: %w", err)
		}
		for _, entry := range batch {
			last = entry.ID
			result.Scanned++
			s.rewrapOne(ctx, el, all, entry, result)
		}
		if len(batch) < rewrapBatchSize {
			break
		}
	}

	slog.Info("rewrap completed",
		"active_key_version", active,
		"scanned", result.Scanned,
		"rewrapped", result.Rewrapped,
		"conflicts", result.Conflicts,
		"failed", result.Failed)
	s.audit.RecordBestEffort(context.WithoutCancel(ctx), audit.FromElevated(el, models.ActionRewrap).
		With("active_key_version", active).
		With("scanned", result.Scanned).
		With("rewrapped", result.Rewrapped).
		With("conflicts", result.Conflicts).
		With("failed", result.Failed).
		Succeeded())
	return result, nil
}

func (s *Service) rewrapOne(ctx context.Context, el tenant.Elevated, all *scoped.Elevated[models.VaultEntry, *models.VaultEntry], entry *models.VaultEntry, result *RewrapResult) {
	from := entry.KeyVersion
	rec := audit.FromElevated(el, models.ActionRewrap).
		Target(models.TargetVaultEntry, entry.ID, entry.Title).
		Organization(entry.OrganizationID).
		With("from_key_version", from)

	if _, err := s.rewrapEntry(entry); err != nil {
		result.Failed++
		s.audit.RecordBestEffort(ctx, rec.Failed("unable_to_unwrap"))
		return
	}
	err := all.Update(ctx, entry)
	switch {
	case errors.Is(err, scoped.ErrConflict), errors.Is(err, scoped.ErrNotFound):
		result.Conflicts++
		return
	case err != nil:
		result.Failed++
		slog.Error("failed to store rewrapped entry", "entry_id", entry.ID, "error", err)
		s.audit.RecordBestEffort(ctx, rec.Failed("store_failed"))
		return
	}
	result.Rewrapped++
	telemetry.RewrappedEntriesTotal.Inc()
	s.audit.RecordBestEffort(ctx, rec.With("to_key_version", entry.KeyVersion).Succeeded())
}

// rewrapEntry moves both ciphertexts of entry to the active master key and updates KeyVersion.
func (s *Service) rewrapEntry(entry *models.VaultEntry) (bool, error) {
	secret, changedSecret, err := s.crypto.Rewrap(entry.Secret)
	if err != nil {
		logDecryptFailure(entry, "secret", err)
		return false, ErrUnableToComplete
	}
	entry.Secret = secret
	changedSeed := false
	if entry.HasTOTP() {
		seed, changed, err := s.crypto.Rewrap(entry.TOTPSeed)
		if err != nil {
			logDecryptFailure(entry, "totp_seed", err)
			return false, ErrUnableToComplete
		}
		entry.TOTPSeed = seed
		changedSeed = changed
	}
	before := entry.KeyVersion
	if err := s.setKeyVersion(entry); err != nil {
		return false, err
	}
	return changedSecret || changedSeed || before != entry.KeyVersion, nil
}

func (s *Service) setKeyVersion(entry *models.VaultEntry) error {
	v, err := crypto.BlobKeyVersion(entry.Secret)
	if err != nil {
		slog.Error("vault entry carries a malformed blob", "entry_id", entry.ID, "error", err)
		return ErrUnableToComplete
	}
	entry.KeyVersion = int64(v)
	return nil
}
