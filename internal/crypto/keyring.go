package crypto

import (
	"errors"
	"fmt"
	"sort"
)

// KeySize is the length of every master key and data-encryption key (AES-256 / XChaCha20).
const KeySize = 32

var (
	// ErrKeyLengthInvalid is returned when a master key is not exactly 32 bytes.
	ErrKeyLengthInvalid = errors.New("crypto: key must be exactly 32 bytes")
	// ErrNoActiveKey is returned when a keyring has no usable active version.
	ErrNoActiveKey = errors.New("crypto: keyring has no active key version")
	// ErrKeyVersionExists is returned when adding a version that is already present.
	ErrKeyVersionExists = errors.New("crypto: key version already exists")
)

// Keyring is an immutable set of versioned master keys. New writes are wrapped
// with the active version; every version present can unwrap. Rotation builds a
// new Keyring (see WithVersion) and never touches an existing one, so a reader
// holding a *Keyring always sees a consistent set.
type Keyring struct {
	keys   map[uint32][]byte
	active uint32
}

// NewKeyring builds a keyring from version -> key material. Keys are copied.
func NewKeyring(keys map[uint32][]byte, active uint32) (*Keyring, error) {
	if len(keys) == 0 {
		return nil, ErrNoActiveKey
	}
	if _, ok := keys[active]; !ok {
		return nil, fmt.Errorf("%w: version %d not present", ErrNoActiveKey, active)
	}

	kr := &Keyring{keys: make(map[uint32][]byte, len(keys)), active: active}
	for version, key := range keys {
		if version == 0 {
			return nil, fmt.Errorf("crypto: key version 0 is reserved")
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("%w (version %d)", ErrKeyLengthInvalid, version)
		}
		keyCopy := make([]byte, KeySize)
		copy(keyCopy, key)
		kr.keys[version] = keyCopy
	}
	return kr, nil
}

// SingleKeyKeyring is a convenience for deployments with one master key (version 1).
func SingleKeyKeyring(key []byte) (*Keyring, error) {
	return NewKeyring(map[uint32][]byte{1: key}, 1)
}

// ActiveVersion returns the version used for new writes.
func (k *Keyring) ActiveVersion() uint32 {
	return k.active
}

// Versions returns all key versions in ascending order.
func (k *Keyring) Versions() []uint32 {
	versions := make([]uint32, 0, len(k.keys))
	for v := range k.keys {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

// WithVersion returns a new keyring that contains every existing version plus
// the given one, and makes the new version active.
func (k *Keyring) WithVersion(version uint32, key []byte) (*Keyring, error) {
	if _, ok := k.keys[version]; ok {
		return nil, fmt.Errorf("%w: %d", ErrKeyVersionExists, version)
	}
	keys := make(map[uint32][]byte, len(k.keys)+1)
	for v, existing := range k.keys {
		keys[v] = existing
	}
	keys[version] = key
	return NewKeyring(keys, version)
}

func (k *Keyring) key(version uint32) ([]byte, bool) {
	key, ok := k.keys[version]
	return key, ok
}

// lockMemory pins every key in RAM. Failures are reported but the keyring stays usable.
func (k *Keyring) lockMemory() error {
	var firstErr error
	for _, key := range k.keys {
		if err := lockBytes(key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
