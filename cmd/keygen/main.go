// Package main generates docvault master key material.
//
//	keygen                 print a base64 32-byte master key (for DVT_ENCRYPTION_KEY)
//	keygen identity        print a new age identity; its recipient goes to stderr
//	keygen keyring -out keyring.age -recipient age1... [-from old.age -identity key.txt]
//
// The keyring form seals a keyring file to the recipient. With -from, the existing keyring is
// opened and a new version is added and made active, so previously written entries stay
// readable until `server rewrap` moves them to the new version.
package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"

	"filippo.io/age"

	"github.com/docvault/docvault/internal/crypto"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("Error: %v\n", err)
	}
}

func run(args []string) error {
	command := "key"
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	switch command {
	case "key":
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(base64.StdEncoding.EncodeToString(key))
		return nil
	case "identity":
		identity, err := age.GenerateX25519Identity()
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "recipient: %s\n", identity.Recipient())
		fmt.Println(identity.String())
		return nil
	case "keyring":
		return keyring(args)
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: key, identity, keyring", command)
	}
}

func keyring(args []string) error {
	fs := flag.NewFlagSet("keyring", flag.ContinueOnError)
	out := fs.String("out", "", "path of the sealed keyring file to write")
	recipient := fs.String("recipient", "", "age recipient (age1...) the keyring is sealed to")
	from := fs.String("from", "", "existing sealed keyring to add a version to")
	identity := fs.String("identity", "", "age identity file that opens -from")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" || *recipient == "" {
		return fmt.Errorf("-out and -recipient are required")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return err
	}

	kr, err := nextKeyring(*from, *identity, key)
	if err != nil {
		return err
	}

	// Written beside the target and renamed into place so a watching server never reads a
	// partial file.
	tmp, err := os.CreateTemp(filepath.Dir(*out), ".keyring-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := crypto.WriteKeyringFile(tmp, kr, *recipient); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), *out); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "wrote %s: active version %d, versions %v\n", *out, kr.ActiveVersion(), kr.Versions())
	return nil
}

// nextKeyring returns a one-version keyring, or the keyring at from with key added as the
// next version.
func nextKeyring(from, identity string, key []byte) (*crypto.Keyring, error) {
	if from == "" {
		return crypto.SingleKeyKeyring(key)
	}
	if identity == "" {
		return nil, fmt.Errorf("-identity is required with -from")
	}
	current, err := crypto.ReadKeyringFile(from, identity)
	if err != nil {
		return nil, err
	}
	next := slices.Max(current.Versions()) + 1
	return current.WithVersion(next, key)
}
