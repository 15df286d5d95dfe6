// Package keystore keeps the node's signing key on disk, encrypted
// under a password.
package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stjordanis/loopchain/pkg/crypto"
)

// ErrKeyExists is returned by Create when the file is already there.
var ErrKeyExists = errors.New("key file already exists")

const fileVersion = 1

// Info is the public part of a key file, readable without the password.
type Info struct {
	Version   int       `json:"version"`
	PeerID    string    `json:"peer_id"`
	PublicKey string    `json:"public_key"`
	CreatedAt time.Time `json:"created_at"`
}

type keyFile struct {
	Info
	Sealed []byte `json:"sealed_key"`
}

// Create seals key under password and writes it to path. The directory
// is created with owner-only permissions.
func Create(path string, key *crypto.PrivateKey, password []byte, p Params) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrKeyExists, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keystore dir: %w", err)
	}

	secret := key.Serialize()
	defer zero(secret)
	sealed, err := Seal(secret, password, p)
	if err != nil {
		return fmt.Errorf("seal key: %w", err)
	}

	kf := keyFile{
		Info: Info{
			Version:   fileVersion,
			PeerID:    key.PeerID(),
			PublicKey: key.PublicKeyHex(),
			CreatedAt: time.Now().UTC(),
		},
		Sealed: sealed,
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal key file: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}

// Generate creates a fresh key and writes it to path.
func Generate(path string, password []byte, p Params) (*crypto.PrivateKey, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := Create(path, key, password, p); err != nil {
		key.Zero()
		return nil, err
	}
	return key, nil
}

// Load opens the key at path.
func Load(path string, password []byte) (*crypto.PrivateKey, error) {
	kf, err := readFile(path)
	if err != nil {
		return nil, err
	}
	secret, err := Open(kf.Sealed, password)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer zero(secret)

	key, err := crypto.PrivateKeyFromBytes(secret)
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	if key.PeerID() != kf.PeerID {
		key.Zero()
		return nil, fmt.Errorf("key file %s: peer id %s does not match key", path, kf.PeerID)
	}
	return key, nil
}

// LoadOrGenerate loads the key at path, creating one when the file does
// not exist. created reports whether a new key was written.
func LoadOrGenerate(path string, password []byte, p Params) (key *crypto.PrivateKey, created bool, err error) {
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		key, err = Generate(path, password, p)
		return key, err == nil, err
	}
	key, err = Load(path, password)
	return key, false, err
}

// ReadInfo returns the public part of the key file at path.
func ReadInfo(path string) (*Info, error) {
	kf, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &kf.Info, nil
}

// ReadPassword reads a password file, trimming the trailing newline.
// An empty path yields an empty password.
func ReadPassword(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read password file: %w", err)
	}
	return []byte(strings.TrimRight(string(data), "\r\n")), nil
}

func readFile(path string) (*keyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	if kf.Version != fileVersion {
		return nil, fmt.Errorf("unsupported key file version: %d", kf.Version)
	}
	return &kf, nil
}
