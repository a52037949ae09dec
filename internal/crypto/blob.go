package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Suite identifies the AEAD used for the payload of a blob.
type Suite byte

const (
	// SuiteAES256GCM encrypts payloads with AES-256-GCM (12-byte nonce).
	SuiteAES256GCM Suite = 1
	// SuiteXChaCha20Poly1305 encrypts payloads with XChaCha20-Poly1305 (24-byte nonce).
	SuiteXChaCha20Poly1305 Suite = 2
)

const (
	blobFormatV1   byte = 1
	tagSize             = 16
	wrapNonceSize       = 12
	wrappedKeySize      = KeySize + tagSize
)

var blobMagic = [2]byte{'D', 'V'}

var (
	// ErrDecryptionFailed is the umbrella error for every decrypt failure. Callers
	// only need errors.Is(err, ErrDecryptionFailed); the more specific errors wrap it.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")
	// ErrMalformedBlob is returned when a ciphertext blob cannot be parsed.
	ErrMalformedBlob = fmt.Errorf("%w: malformed ciphertext blob", ErrDecryptionFailed)
	// ErrUnknownKeyVersion is returned when a blob names a key version the keyring lacks.
	ErrUnknownKeyVersion = fmt.Errorf("%w: unknown key version", ErrDecryptionFailed)
)

// ParseSuite maps a configuration name to a Suite.
func ParseSuite(name string) (Suite, error) {
	switch name {
	case "", "aes-256-gcm":
		return SuiteAES256GCM, nil
	case "xchacha20-poly1305":
		return SuiteXChaCha20Poly1305, nil
	}
	return 0, fmt.Errorf("crypto: unknown cipher suite %q", name)
}

func (s Suite) String() string {
	switch s {
	case SuiteAES256GCM:
		return "aes-256-gcm"
	case SuiteXChaCha20Poly1305:
		return "xchacha20-poly1305"
	}
	return fmt.Sprintf("suite(%d)", byte(s))
}

func (s Suite) nonceSize() int {
	switch s {
	case SuiteAES256GCM:
		return 12
	case SuiteXChaCha20Poly1305:
		return 24
	}
	return 0
}

// Blob is the persisted layout of an encrypted value:
//
//	magic "DV" | format | suite | key_version (u32) |
//	wrap_nonce (12) | wrapped_data_key (48) |
//	nonce (12 or 24) | ciphertext_len (u32) | ciphertext | auth_tag (16)
//
// Only the header and the wrapped data key change when a blob is re-wrapped
// under a new key version; the payload stays byte-for-byte identical.
type Blob struct {
	Suite          Suite
	KeyVersion     uint32
	WrapNonce      []byte
	WrappedDataKey []byte
	Nonce          []byte
	Ciphertext     []byte
	AuthTag        []byte
}

// header is the prefix shared by all blobs of a given suite; it is the
// associated data of the payload.
func (b *Blob) header() []byte {
	return []byte{blobMagic[0], blobMagic[1], blobFormatV1, byte(b.Suite)}
}

// wrapAD is the associated data used when wrapping the data key. It binds the
// key version so it cannot be swapped without detection.
func (b *Blob) wrapAD() []byte {
	ad := b.header()
	return binary.BigEndian.AppendUint32(ad, b.KeyVersion)
}

// MarshalBinary encodes the blob.
func (b *Blob) MarshalBinary() ([]byte, error) {
	if b.Suite.nonceSize() == 0 {
		return nil, fmt.Errorf("crypto: cannot encode blob with %s", b.Suite)
	}
	if len(b.WrapNonce) != wrapNonceSize || len(b.WrappedDataKey) != wrappedKeySize ||
		len(b.Nonce) != b.Suite.nonceSize() || len(b.AuthTag) != tagSize {
		return nil, fmt.Errorf("crypto: cannot encode blob with invalid field sizes")
	}

	out := make([]byte, 0, 8+wrapNonceSize+wrappedKeySize+len(b.Nonce)+4+len(b.Ciphertext)+tagSize)
	out = append(out, b.wrapAD()...)
	out = append(out, b.WrapNonce...)
	out = append(out, b.WrappedDataKey...)
	out = append(out, b.Nonce...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(b.Ciphertext)))
	out = append(out, b.Ciphertext...)
	out = append(out, b.AuthTag...)
	return out, nil
}

// ParseBlob decodes a blob. Any structural problem yields ErrMalformedBlob.
func ParseBlob(data []byte) (*Blob, error) {
	const fixedHeader = 8
	if len(data) < fixedHeader+wrapNonceSize+wrappedKeySize {
		return nil, ErrMalformedBlob
	}
	if data[0] != blobMagic[0] || data[1] != blobMagic[1] || data[2] != blobFormatV1 {
		return nil, ErrMalformedBlob
	}

	b := &Blob{Suite: Suite(data[3])}
	nonceSize := b.Suite.nonceSize()
	if nonceSize == 0 {
		return nil, ErrMalformedBlob
	}
	b.KeyVersion = binary.BigEndian.Uint32(data[4:8])

	rest := data[fixedHeader:]
	if len(rest) < wrapNonceSize+wrappedKeySize+nonceSize+4+tagSize {
		return nil, ErrMalformedBlob
	}
	b.WrapNonce = clone(rest[:wrapNonceSize])
	rest = rest[wrapNonceSize:]
	b.WrappedDataKey = clone(rest[:wrappedKeySize])
	rest = rest[wrappedKeySize:]
	b.Nonce = clone(rest[:nonceSize])
	rest = rest[nonceSize:]

	ctLen := binary.BigEndian.Uint32(rest[:4])
	rest = rest[4:]
	if uint64(len(rest)) != uint64(ctLen)+tagSize {
		return nil, ErrMalformedBlob
	}
	b.Ciphertext = clone(rest[:ctLen])
	b.AuthTag = clone(rest[ctLen:])
	return b, nil
}

// BlobKeyVersion reports the key version a stored blob is wrapped under.
func BlobKeyVersion(data []byte) (uint32, error) {
	b, err := ParseBlob(data)
	if err != nil {
		return 0, err
	}
	return b.KeyVersion, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
