// pgp.go validates ASCII-armored OpenPGP public keys used as audit archive recipients.
package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
)

const (
	pgpBeginMarker = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	pgpEndMarker   = "-----END PGP PUBLIC KEY BLOCK-----"
)

// IsValidPGPKeyFormat performs basic validation on armored key format
func IsValidPGPKeyFormat(key string) bool {
	beginIdx := strings.Index(key, pgpBeginMarker)
	endIdx := strings.Index(key, pgpEndMarker)
	return beginIdx >= 0 && endIdx > beginIdx
}

// NormalizePGPKey normalizes line endings and surrounding whitespace of an armored key
func NormalizePGPKey(key string) string {
	key = strings.ReplaceAll(key, "\r\n", "\n")
	return strings.TrimSpace(key) + "\n"
}

// ParseRecipientKey parses an armored public key ring and checks that every key can receive
// encrypted data. Private key material is rejected.
func ParseRecipientKey(armored string) (openpgp.EntityList, error) {
	if strings.TrimSpace(armored) == "" {
		return nil, fmt.Errorf("PGP public key cannot be empty")
	}
	if !IsValidPGPKeyFormat(armored) {
		return nil, fmt.Errorf("invalid PGP public key: missing or misordered armor markers")
	}

	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(NormalizePGPKey(armored)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse PGP public key: %w", err)
	}
	if len(entities) == 0 {
		return nil, fmt.Errorf("PGP key ring contains no keys")
	}
	now := time.Now()
	for _, e := range entities {
		if e.PrivateKey != nil {
			return nil, fmt.Errorf("PGP key %X contains private key material", e.PrimaryKey.KeyId)
		}
		if _, ok := e.EncryptionKey(now); !ok {
			return nil, fmt.Errorf("PGP key %X has no usable encryption subkey", e.PrimaryKey.KeyId)
		}
	}
	return entities, nil
}
