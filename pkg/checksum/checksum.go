// Package checksum computes and verifies SHA-256 digests. Audit archives are checked against
// the digest reported by the storage backend before the archived records are deleted.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ErrMismatch is returned by Verify when the content does not match the expected digest.
var ErrMismatch = errors.New("checksum mismatch")

// CalculateSHA256 calculates the hex SHA-256 of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Sum returns the hex SHA-256 of data.
func Sum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Match compares two hex digests case-insensitively.
func Match(actual, expected string) error {
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("%w: got %s, want %s", ErrMismatch, actual, expected)
	}
	return nil
}

// VerifySHA256 checks that the content of reader hashes to expected.
func VerifySHA256(reader io.Reader, expected string) error {
	actual, err := CalculateSHA256(reader)
	if err != nil {
		return err
	}
	return Match(actual, expected)
}
