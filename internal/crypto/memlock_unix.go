//go:build linux || darwin || freebsd

package crypto

import "golang.org/x/sys/unix"

// lockBytes prevents the pages holding b from being swapped to disk.
func lockBytes(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}
