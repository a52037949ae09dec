package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/db/models"
	"github.com/docvault/docvault/internal/storage"
	"github.com/docvault/docvault/internal/validation"
	"github.com/docvault/docvault/pkg/checksum"
)

// Archiver writes purged audit records to a storage backend as JSONL before they are deleted.
// When an OpenPGP recipient key is configured the archive is encrypted to it, so the storage
// operator cannot read purged records.
type Archiver struct {
	store      storage.Storage
	prefix     string
	recipients openpgp.EntityList
}

// NewArchiver builds an Archiver from the audit.archive config section.
func NewArchiver(store storage.Storage, cfg config.AuditArchiveConfig) (*Archiver, error) {
	a := &Archiver{store: store, prefix: strings.Trim(cfg.Prefix, "/")}
	if cfg.PGPRecipientFile == "" {
		return a, nil
	}

	armored, err := os.ReadFile(cfg.PGPRecipientFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive recipient key: %w", err)
	}
	recipients, err := validation.ParseRecipientKey(string(armored))
	if err != nil {
		return nil, fmt.Errorf("archive recipient key: %w", err)
	}
	a.recipients = recipients
	return a, nil
}

// Encrypted reports whether archives are OpenPGP-encrypted.
func (a *Archiver) Encrypted() bool {
	return len(a.recipients) > 0
}

// Archive uploads records as one object named <prefix>/<name>.jsonl (plus .pgp when encrypted).
// Objects are never overwritten. The stored object is verified against the content sent; on a
// mismatch it is removed so the batch can be archived again, and an error is returned so the
// batch is not deleted.
func (a *Archiver) Archive(ctx context.Context, name string, records []*models.AuditLog) (*storage.UploadResult, error) {
	var plain bytes.Buffer
	enc := json.NewEncoder(&plain)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode audit record %s: %w", rec.ID, err)
		}
	}

	objectName := name + ".jsonl"
	body := plain.Bytes()
	if a.Encrypted() {
		var sealed bytes.Buffer
		w, err := openpgp.Encrypt(&sealed, a.recipients, nil, &openpgp.FileHints{IsBinary: true, FileName: objectName}, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to start archive encryption: %w", err)
		}
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("failed to encrypt archive: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("failed to finish archive encryption: %w", err)
		}
		objectName += ".pgp"
		body = sealed.Bytes()
	}

	objectPath := objectName
	if a.prefix != "" {
		objectPath = path.Join(a.prefix, objectName)
	}
	result, err := a.store.Upload(ctx, objectPath, bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to upload audit archive: %w", err)
	}
	if err := a.verify(ctx, result, body); err != nil {
		if derr := a.store.Delete(ctx, result.Path); derr != nil {
			slog.Error("failed to remove unverified audit archive", "path", result.Path, "error", derr)
		}
		return nil, fmt.Errorf("audit archive %s: %w", result.Path, err)
	}
	return result, nil
}

// verify checks the stored object against body. The checksum reported by Upload is used when
// present, then the one in the object's metadata; otherwise the object is read back.
func (a *Archiver) verify(ctx context.Context, result *storage.UploadResult, body []byte) error {
	want := checksum.Sum(body)
	if result.Checksum != "" {
		return checksum.Match(result.Checksum, want)
	}
	meta, err := a.store.GetMetadata(ctx, result.Path)
	if err != nil {
		return fmt.Errorf("failed to stat archive: %w", err)
	}
	if meta.Size != int64(len(body)) {
		return fmt.Errorf("%w: size %d, expected %d", checksum.ErrMismatch, meta.Size, len(body))
	}
	if meta.Checksum != "" {
		return checksum.Match(meta.Checksum, want)
	}
	rc, err := a.store.Download(ctx, result.Path)
	if err != nil {
		return fmt.Errorf("failed to read back archive: %w", err)
	}
	defer rc.Close()
	return checksum.VerifySHA256(rc, want)
}
