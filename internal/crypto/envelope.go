// Package crypto provides envelope encryption for vault secrets and TOTP code
// generation.
//
// Every secret value gets its own random 32-byte data-encryption key (DEK).
// The DEK encrypts the payload with an AEAD (AES-256-GCM or XChaCha20-Poly1305)
// under a fresh random nonce, and is itself wrapped with AES-256-GCM by the
// active master key version. The stored blob names the key version it was
// wrapped under, so rotating the master key does not require re-encrypting any
// payload: old blobs keep decrypting, and Rewrap moves a blob to the active
// version by re-wrapping only its DEK.
//
// The Service is pure with respect to storage. It never logs key material or
// plaintext; callers that reveal plaintext are responsible for auditing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// Service encrypts and decrypts secret payloads. It is safe for concurrent use.
// The keyring pointer is swapped atomically on rotation; a single operation
// loads it once and works against that snapshot.
type Service struct {
	keyring atomic.Pointer[Keyring]
	suite   Suite
	random  io.Reader
}

// NewService creates an encryption service. suite selects the payload AEAD used
// for new writes; blobs written with either suite can always be decrypted.
func NewService(keyring *Keyring, suite Suite) (*Service, error) {
	if keyring == nil {
		return nil, ErrNoActiveKey
	}
	if suite.nonceSize() == 0 {
		return nil, fmt.Errorf("crypto: unsupported suite %s", suite)
	}
	s := &Service{suite: suite, random: rand.Reader}
	s.keyring.Store(keyring)
	return s, nil
}

// Keyring returns the current keyring snapshot.
func (s *Service) Keyring() *Keyring {
	return s.keyring.Load()
}

// SetKeyring installs a new keyring. Existing blobs must remain decryptable, so
// every version of the current keyring has to be present in the new one with
// identical key material. Rotation adds a version; it never rewrites one, and
// the active version never moves backwards.
func (s *Service) SetKeyring(next *Keyring) error {
	if next == nil {
		return ErrNoActiveKey
	}
	current := s.keyring.Load()
	for _, v := range current.Versions() {
		want, _ := current.key(v)
		got, ok := next.key(v)
		if !ok {
			return fmt.Errorf("crypto: new keyring drops key version %d", v)
		}
		if subtle.ConstantTimeCompare(want, got) != 1 {
			return fmt.Errorf("crypto: new keyring changes key material of version %d", v)
		}
	}
	if next.ActiveVersion() < current.ActiveVersion() {
		return fmt.Errorf("crypto: new keyring moves active version back from %d to %d",
			current.ActiveVersion(), next.ActiveVersion())
	}
	s.keyring.Store(next)
	return nil
}

// ActiveKeyVersion returns the version new writes are wrapped under.
func (s *Service) ActiveKeyVersion() uint32 {
	return s.keyring.Load().ActiveVersion()
}

// Encrypt encrypts plaintext with no associated data.
func (s *Service) Encrypt(plaintext []byte) ([]byte, error) {
	return s.Seal(plaintext, nil)
}

// Decrypt decrypts a blob produced by Encrypt.
func (s *Service) Decrypt(blob []byte) ([]byte, error) {
	return s.Open(blob, nil)
}

// Seal encrypts plaintext under a fresh data key and nonce. associatedData is
// authenticated but not stored; the same value must be passed to Open.
func (s *Service) Seal(plaintext, associatedData []byte) ([]byte, error) {
	kr := s.keyring.Load()
	masterKey, ok := kr.key(kr.ActiveVersion())
	if !ok {
		return nil, ErrNoActiveKey
	}

	dek := make([]byte, KeySize)
	if _, err := io.ReadFull(s.random, dek); err != nil {
		return nil, fmt.Errorf("crypto: generate data key: %w", err)
	}
	defer zero(dek)

	b := &Blob{Suite: s.suite, KeyVersion: kr.ActiveVersion()}

	payload, err := newAEAD(s.suite, dek)
	if err != nil {
		return nil, err
	}
	b.Nonce = make([]byte, payload.NonceSize())
	if _, err := io.ReadFull(s.random, b.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := payload.Seal(nil, b.Nonce, plaintext, payloadAD(b, associatedData))
	b.Ciphertext = sealed[:len(sealed)-tagSize]
	b.AuthTag = sealed[len(sealed)-tagSize:]

	if err := s.wrap(b, masterKey, dek); err != nil {
		return nil, err
	}
	return b.MarshalBinary()
}

// Open decrypts a blob. It fails closed: any parse error, unknown key version,
// or authentication failure returns an error wrapping ErrDecryptionFailed and
// never partial plaintext.
func (s *Service) Open(data, associatedData []byte) ([]byte, error) {
	b, err := ParseBlob(data)
	if err != nil {
		return nil, err
	}

	dek, err := s.unwrap(s.keyring.Load(), b)
	if err != nil {
		return nil, err
	}
	defer zero(dek)

	payload, err := newAEAD(b.Suite, dek)
	if err != nil {
		return nil, ErrMalformedBlob
	}
	sealed := make([]byte, 0, len(b.Ciphertext)+tagSize)
	sealed = append(sealed, b.Ciphertext...)
	sealed = append(sealed, b.AuthTag...)

	plaintext, err := payload.Open(nil, b.Nonce, sealed, payloadAD(b, associatedData))
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Rewrap re-wraps the data key of a blob under the active master key version.
// The payload nonce, ciphertext and tag are unchanged. A blob already on the
// active version is returned as-is with changed=false.
func (s *Service) Rewrap(data []byte) (out []byte, changed bool, err error) {
	b, err := ParseBlob(data)
	if err != nil {
		return nil, false, err
	}
	kr := s.keyring.Load()
	if b.KeyVersion == kr.ActiveVersion() {
		return data, false, nil
	}

	dek, err := s.unwrap(kr, b)
	if err != nil {
		return nil, false, err
	}
	defer zero(dek)

	masterKey, ok := kr.key(kr.ActiveVersion())
	if !ok {
		return nil, false, ErrNoActiveKey
	}
	b.KeyVersion = kr.ActiveVersion()
	if err := s.wrap(b, masterKey, dek); err != nil {
		return nil, false, err
	}
	out, err = b.MarshalBinary()
	return out, err == nil, err
}

func (s *Service) wrap(b *Blob, masterKey, dek []byte) error {
	wrapper, err := newAEAD(SuiteAES256GCM, masterKey)
	if err != nil {
		return err
	}
	b.WrapNonce = make([]byte, wrapNonceSize)
	if _, err := io.ReadFull(s.random, b.WrapNonce); err != nil {
		return fmt.Errorf("crypto: generate wrap nonce: %w", err)
	}
	b.WrappedDataKey = wrapper.Seal(nil, b.WrapNonce, dek, b.wrapAD())
	return nil
}

func (s *Service) unwrap(kr *Keyring, b *Blob) ([]byte, error) {
	masterKey, ok := kr.key(b.KeyVersion)
	if !ok {
		return nil, ErrUnknownKeyVersion
	}
	wrapper, err := newAEAD(SuiteAES256GCM, masterKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	dek, err := wrapper.Open(nil, b.WrapNonce, b.WrappedDataKey, b.wrapAD())
	if err != nil || len(dek) != KeySize {
		return nil, ErrDecryptionFailed
	}
	return dek, nil
}

func payloadAD(b *Blob, associatedData []byte) []byte {
	ad := b.header()
	return append(ad, associatedData...)
}

func newAEAD(suite Suite, key []byte) (cipher.AEAD, error) {
	switch suite {
	case SuiteAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case SuiteXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	}
	return nil, fmt.Errorf("crypto: unsupported suite %s", suite)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
