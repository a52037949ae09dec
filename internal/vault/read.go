package vault

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/docvault/docvault/internal/audit"
	"github.com/docvault/docvault/internal/auth"
	"github.com/docvault/docvault/internal/crypto"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/db/scoped"
	"github.com/docvault/docvault/internal/tenant"
)

// List returns secret-free summaries of tc's entries and the total match count.
func (s *Service) List(ctx context.Context, tc tenant.Context, opts ListOptions) ([]models.VaultEntrySummary, int, error) {
	if err := authorize(tc, auth.ScopeVaultList); err != nil {
		return nil, 0, s.fail(ctx, tc, opList, models.ActionList, "", nil, err)
	}

	if opts.Limit <= 0 || opts.Limit > maxListLen {
		opts.Limit = maxListLen
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	filter := scoped.Filter{Limit: opts.Limit, Offset: opts.Offset}
	if opts.Query != "" {
		filter.Conditions = []scoped.Condition{{Column: "title", Op: scoped.OpILike, Value: "%" + escapeLike(opts.Query) + "%"}}
	}

	scope := s.entries.ForTenant(tc)
	rows, err := scope.List(ctx, filter)
	if err != nil {
		return nil, 0, s.fail(ctx, tc, opList, models.ActionList, "", nil, fmt.Errorf("%w: %w", ErrUnableToComplete, err))
	}
	total, err := scope.Count(ctx, scoped.Filter{Conditions: filter.Conditions})
	if err != nil {
		return nil, 0, s.fail(ctx, tc, opList, models.ActionList, "", nil, fmt.Errorf("%w: %w", ErrUnableToComplete, err))
	}

	now := s.now()
	summaries := make([]models.VaultEntrySummary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, row.Summary(now))
	}

	observe(opList, "success")
	s.audit.RecordBestEffort(ctx, audit.FromTenant(tc, models.ActionList).
		Target(models.TargetOrganization, tc.OrganizationID(), tc.Organization().Slug).
		With("returned", len(summaries)).
		Succeeded())
	return summaries, total, nil
}

// Get returns the summary of one entry. No ciphertext is opened.
func (s *Service) Get(ctx context.Context, tc tenant.Context, id string) (*models.VaultEntrySummary, error) {
	if err := authorize(tc, auth.ScopeVaultList); err != nil {
		return nil, s.fail(ctx, tc, opGet, models.ActionRead, id, nil, err)
	}
	entry, err := s.lookup(ctx, tc, id)
	if err != nil {
		return nil, s.fail(ctx, tc, opGet, models.ActionRead, id, nil, err)
	}
	summary := entry.Summary(s.now())
	observe(opGet, "success")
	s.audit.RecordBestEffort(ctx, entryRecord(tc, models.ActionRead, id, entry).Succeeded())
	return &summary, nil
}

// Reveal decrypts and returns an entry's secret. The success record is committed before the
// value is returned; the caller should zero the slice once it has been written out.
func (s *Service) Reveal(ctx context.Context, tc tenant.Context, id string) ([]byte, error) {
	if err := authorize(tc, auth.ScopeVaultReveal); err != nil {
		return nil, s.fail(ctx, tc, opReveal, models.ActionReveal, id, nil, err)
	}
	entry, err := s.lookup(ctx, tc, id)
	if err != nil {
		return nil, s.fail(ctx, tc, opReveal, models.ActionReveal, id, nil, err)
	}

	plaintext, err := s.crypto.Open(entry.Secret, []byte(entry.OrganizationID))
	if err != nil {
		logDecryptFailure(entry, "secret", err)
		return nil, s.fail(ctx, tc, opReveal, models.ActionReveal, id, entry, ErrUnableToComplete)
	}
	if err := s.release(ctx, tc, opReveal, models.ActionReveal, id, entry, plaintext); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// GenerateOTP computes the current TOTP code for an entry. The seed never leaves the service.
func (s *Service) GenerateOTP(ctx context.Context, tc tenant.Context, id string) (*OTP, error) {
	if err := authorize(tc, auth.ScopeVaultOTP); err != nil {
		return nil, s.fail(ctx, tc, opOTP, models.ActionGenerateOTP, id, nil, err)
	}
	entry, err := s.lookup(ctx, tc, id)
	if err != nil {
		return nil, s.fail(ctx, tc, opOTP, models.ActionGenerateOTP, id, nil, err)
	}
	if !entry.HasTOTP() {
		return nil, s.fail(ctx, tc, opOTP, models.ActionGenerateOTP, id, entry, ErrNoTOTP)
	}

	seed, err := s.crypto.Open(entry.TOTPSeed, []byte(entry.OrganizationID))
	if err != nil {
		logDecryptFailure(entry, "totp_seed", err)
		return nil, s.fail(ctx, tc, opOTP, models.ActionGenerateOTP, id, entry, ErrUnableToComplete)
	}
	now := s.now()
	code, err := crypto.GenerateTOTP(seed, now)
	zeroBytes(seed)
	if err != nil {
		slog.Error("failed to generate one-time code", "entry_id", entry.ID, "error", err)
		return nil, s.fail(ctx, tc, opOTP, models.ActionGenerateOTP, id, entry, ErrUnableToComplete)
	}

	if err := s.release(ctx, tc, opOTP, models.ActionGenerateOTP, id, entry, nil); err != nil {
		return nil, err
	}
	return &OTP{Code: code, ExpiresIn: crypto.TOTPExpiresIn(now)}, nil
}

// VerifyOTP reports whether code is valid for the entry's TOTP seed, allowing crypto.TOTPSkew
// steps of clock drift. Every attempt is audited with its result; a match is only reported once
// that record is committed.
func (s *Service) VerifyOTP(ctx context.Context, tc tenant.Context, id, code string) (bool, error) {
	if err := authorize(tc, auth.ScopeVaultOTP); err != nil {
		return false, s.fail(ctx, tc, opVerify, models.ActionVerifyOTP, id, nil, err)
	}
	entry, err := s.lookup(ctx, tc, id)
	if err != nil {
		return false, s.fail(ctx, tc, opVerify, models.ActionVerifyOTP, id, nil, err)
	}
	if !entry.HasTOTP() {
		return false, s.fail(ctx, tc, opVerify, models.ActionVerifyOTP, id, entry, ErrNoTOTP)
	}
	if !validCode(code) {
		return false, s.fail(ctx, tc, opVerify, models.ActionVerifyOTP, id, entry,
			fmt.Errorf("%w: code must be %d digits", ErrInvalidInput, crypto.TOTPDigits))
	}

	seed, err := s.crypto.Open(entry.TOTPSeed, []byte(entry.OrganizationID))
	if err != nil {
		logDecryptFailure(entry, "totp_seed", err)
		return false, s.fail(ctx, tc, opVerify, models.ActionVerifyOTP, id, entry, ErrUnableToComplete)
	}
	matched := crypto.ValidateTOTP(seed, code, s.now())
	zeroBytes(seed)

	if err := ctx.Err(); err != nil {
		return false, s.fail(ctx, tc, opVerify, models.ActionVerifyOTP, id, entry, err)
	}
	rec := entryRecord(tc, models.ActionVerifyOTP, id, entry).With("matched", matched).Succeeded()
	if err := s.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		observe(opVerify, "failed")
		return false, fmt.Errorf("%w: %w", ErrUnableToComplete, err)
	}
	if matched {
		observe(opVerify, "success")
	} else {
		observe(opVerify, "mismatch")
	}
	return matched, nil
}

func validCode(code string) bool {
	if len(code) != crypto.TOTPDigits {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// release commits the success record for a revealing operation. plaintext is zeroed when the
// value must not be returned.
func (s *Service) release(ctx context.Context, tc tenant.Context, op, action, id string, entry *models.VaultEntry, plaintext []byte) error {
	if err := ctx.Err(); err != nil {
		zeroBytes(plaintext)
		return s.fail(ctx, tc, op, action, id, entry, err)
	}
	rec := entryRecord(tc, action, id, entry).Succeeded()
	if err := s.audit.Record(context.WithoutCancel(ctx), rec); err != nil {
		zeroBytes(plaintext)
		observe(op, "failed")
		return fmt.Errorf("%w: %w", ErrUnableToComplete, err)
	}
	observe(op, "success")
	return nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// escapeLike escapes LIKE metacharacters in a user-supplied search term.
func escapeLike(s string) string {
	r := make([]rune, 0, len(s))
	for _, c := range s {
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}
