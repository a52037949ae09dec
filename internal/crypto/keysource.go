package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"filippo.io/age"
	"golang.org/x/crypto/pbkdf2"

	"github.com/docvault/docvault/internal/config"
)

// ErrSaltTooShort is returned when a PBKDF2 salt is under 16 bytes.
var ErrSaltTooShort = errors.New("crypto: salt must be at least 16 bytes")

// defaultIterations is the PBKDF2-SHA256 work factor for passphrase-derived keys.
const defaultIterations = 600000

// keyringFile is the plaintext layout inside an age-sealed keyring file.
type keyringFile struct {
	Active uint32            `json:"active"`
	Keys   map[string]string `json:"keys"` // version -> base64 key
}

// LoadKeyring builds the master keyring from configuration. Key material is
// never logged.
func LoadKeyring(cfg *config.EncryptionConfig) (*Keyring, error) {
	var (
		kr  *Keyring
		err error
	)
	switch {
	case cfg.KeyringFile != "":
		kr, err = ReadKeyringFile(cfg.KeyringFile, cfg.AgeIdentityFile)
	case cfg.Key != "":
		var key []byte
		key, err = DecodeKey(cfg.Key)
		if err == nil {
			kr, err = SingleKeyKeyring(key)
			zero(key)
		}
	case cfg.Passphrase != "":
		var key []byte
		key, err = DeriveKey(cfg.Passphrase, []byte(cfg.Salt), defaultIterations)
		if err == nil {
			kr, err = SingleKeyKeyring(key)
			zero(key)
		}
	default:
		return nil, ErrNoActiveKey
	}
	if err != nil {
		return nil, err
	}

	if cfg.LockMemory {
		if err := kr.lockMemory(); err != nil {
			// mlock commonly fails under RLIMIT_MEMLOCK in containers; the caller logs it.
			return kr, fmt.Errorf("crypto: lock key memory: %w", err)
		}
	}
	return kr, nil
}

// DecodeKey decodes a base64 (standard or URL alphabet) 32-byte key.
func DecodeKey(encoded string) ([]byte, error) {
	encoded = strings.TrimSpace(encoded)
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		key, err = base64.URLEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("crypto: master key is not valid base64")
		}
	}
	if len(key) != KeySize {
		return nil, ErrKeyLengthInvalid
	}
	return key, nil
}

// DeriveKey derives a master key from a passphrase with PBKDF2-SHA256.
func DeriveKey(passphrase string, salt []byte, iterations int) ([]byte, error) {
	if len(salt) < 16 {
		return nil, ErrSaltTooShort
	}
	if iterations < 10000 {
		iterations = defaultIterations
	}
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New), nil
}

// GenerateKey creates a cryptographically secure random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// ReadKeyringFile decrypts an age-sealed keyring file with the X25519
// identities in identityPath.
func ReadKeyringFile(path, identityPath string) (*Keyring, error) {
	identityData, err := os.ReadFile(identityPath) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("crypto: read age identity: %w", err)
	}
	identities, err := age.ParseIdentities(bytes.NewReader(identityData))
	zero(identityData)
	if err != nil {
		return nil, fmt.Errorf("crypto: parse age identity: %w", err)
	}

	sealed, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("crypto: read keyring file: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(sealed), identities...)
	if err != nil {
		return nil, fmt.Errorf("crypto: open keyring file: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keyring file: %w", err)
	}
	defer zero(plaintext)

	return parseKeyringJSON(plaintext)
}

// WriteKeyringFile seals a keyring to the given age recipients (age1... public keys).
func WriteKeyringFile(w io.Writer, kr *Keyring, recipients ...string) error {
	if len(recipients) == 0 {
		return fmt.Errorf("crypto: at least one age recipient is required")
	}
	parsed := make([]age.Recipient, 0, len(recipients))
	for _, r := range recipients {
		recipient, err := age.ParseX25519Recipient(r)
		if err != nil {
			return fmt.Errorf("crypto: parse age recipient: %w", err)
		}
		parsed = append(parsed, recipient)
	}

	file := keyringFile{Active: kr.ActiveVersion(), Keys: make(map[string]string, len(kr.keys))}
	for version, key := range kr.keys {
		file.Keys[strconv.FormatUint(uint64(version), 10)] = base64.StdEncoding.EncodeToString(key)
	}
	plaintext, err := json.Marshal(file)
	if err != nil {
		return err
	}
	defer zero(plaintext)

	wc, err := age.Encrypt(w, parsed...)
	if err != nil {
		return fmt.Errorf("crypto: seal keyring: %w", err)
	}
	if _, err := wc.Write(plaintext); err != nil {
		return fmt.Errorf("crypto: seal keyring: %w", err)
	}
	return wc.Close()
}

func parseKeyringJSON(data []byte) (*Keyring, error) {
	var file keyringFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("crypto: keyring file is not valid JSON")
	}
	keys := make(map[uint32][]byte, len(file.Keys))
	for versionStr, encoded := range file.Keys {
		version, err := strconv.ParseUint(versionStr, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("crypto: invalid key version %q", versionStr)
		}
		key, err := DecodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("crypto: key version %d: %w", version, err)
		}
		keys[uint32(version)] = key
	}
	kr, err := NewKeyring(keys, file.Active)
	for _, k := range keys {
		zero(k)
	}
	return kr, err
}
