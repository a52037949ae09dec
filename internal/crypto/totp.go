package crypto

import (
	"crypto/hmac"
	"crypto/sha1" // #nosec G505 -- RFC 6238 TOTP is defined over HMAC-SHA1
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// TOTPStep is the RFC 6238 time step.
	TOTPStep = 30 * time.Second
	// TOTPDigits is the length of generated codes.
	TOTPDigits = 6
	// TOTPSkew is the number of steps either side of "now" accepted by ValidateTOTP.
	TOTPSkew = 1
)

// ErrInvalidSeed is returned for empty or undecodable TOTP seeds.
var ErrInvalidSeed = errors.New("crypto: invalid TOTP seed")

// DecodeTOTPSeed decodes the base32 seed format used by authenticator apps
// (case-insensitive, spaces and padding optional).
func DecodeTOTPSeed(seed string) ([]byte, error) {
	cleaned := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(seed), " ", ""))
	cleaned = strings.TrimRight(cleaned, "=")
	if cleaned == "" {
		return nil, ErrInvalidSeed
	}
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(cleaned)
	if err != nil || len(raw) == 0 {
		return nil, ErrInvalidSeed
	}
	return raw, nil
}

// GenerateTOTP returns the 6-digit code for the 30-second window containing now.
// It is deterministic for a given seed and window.
func GenerateTOTP(seed []byte, now time.Time) (string, error) {
	if len(seed) == 0 {
		return "", ErrInvalidSeed
	}
	return hotp(seed, counterAt(now)), nil
}

// ValidateTOTP reports whether code matches the window containing now or one
// of the TOTPSkew windows either side of it.
func ValidateTOTP(seed []byte, code string, now time.Time) bool {
	if len(seed) == 0 || len(code) != TOTPDigits {
		return false
	}
	counter := counterAt(now)
	for delta := -TOTPSkew; delta <= TOTPSkew; delta++ {
		c := int64(counter) + int64(delta)
		if c < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotp(seed, uint64(c))), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// TOTPExpiresIn returns how long the code for now stays valid.
func TOTPExpiresIn(now time.Time) time.Duration {
	step := int64(TOTPStep / time.Second)
	return time.Duration(step-now.Unix()%step) * time.Second
}

func counterAt(now time.Time) uint64 {
	return uint64(now.Unix() / int64(TOTPStep/time.Second))
}

// hotp implements RFC 4226 dynamic truncation.
func hotp(seed []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)

	mac := hmac.New(sha1.New, seed)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", TOTPDigits, value%1000000)
}
