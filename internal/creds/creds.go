// Package creds stores remote API credentials on disk, optionally sealed
// with a passphrase so a stolen till image does not leak the store account.
package creds

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var (
	// ErrPassphraseRequired means the file is encrypted and no passphrase
	// was supplied.
	ErrPassphraseRequired = errors.New("credentials file is encrypted, passphrase required")
)

// Credentials identify this till against the remote document API.
type Credentials struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// envelope is the on-disk format. A populated Salt marks the payload as
// sealed; otherwise Data holds plain JSON.
type envelope struct {
	Version int    `json:"version"`
	Salt    string `json:"salt,omitempty"`
	Data    string `json:"data"`
}

const formatVersion = 1

// Save writes credentials to path with 0600 permissions. A non-empty
// passphrase seals the payload.
func Save(path string, c *Credentials, passphrase string) error {
	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	env := envelope{Version: formatVersion}
	if passphrase == "" {
		env.Data = string(plain)
	} else {
		salt, sealed, err := seal(plain, passphrase)
		if err != nil {
			return fmt.Errorf("seal credentials: %w", err)
		}
		env.Salt = salt
		env.Data = sealed
	}

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create credentials dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

// Load reads credentials from path, unsealing with the passphrase when the
// file is encrypted.
func Load(path, passphrase string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse credentials file: %w", err)
	}

	payload := []byte(env.Data)
	if env.Salt != "" {
		if passphrase == "" {
			return nil, ErrPassphraseRequired
		}
		payload, err = unseal(env.Data, env.Salt, passphrase)
		if err != nil {
			return nil, fmt.Errorf("unseal credentials: %w", err)
		}
	}

	var c Credentials
	if err := json.Unmarshal(payload, &c); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return &c, nil
}
