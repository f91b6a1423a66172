package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	keySize   = 32 // AES-256
	nonceSize = 12 // GCM standard
	saltSize  = 32

	// Scrypt parameters.
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

var (
	errInvalidCiphertext = errors.New("invalid ciphertext format")
	errDecryptionFailed  = errors.New("decryption failed, wrong passphrase or corrupt file")
)

// seal encrypts plaintext under a passphrase-derived key and returns the
// base64 salt and payload (nonce prepended to the ciphertext).
func seal(plaintext []byte, passphrase string) (salt, payload string, err error) {
	rawSalt := make([]byte, saltSize)
	if _, err := rand.Read(rawSalt); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}

	key, err := deriveKey(passphrase, rawSalt)
	if err != nil {
		return "", "", err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return "", "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(rawSalt),
		base64.StdEncoding.EncodeToString(sealed), nil
}

// unseal reverses seal.
func unseal(payload, salt, passphrase string) ([]byte, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(sealed) < nonceSize+16 {
		return nil, errInvalidCiphertext
	}

	key, err := deriveKey(passphrase, rawSalt)
	if err != nil {
		return nil, err
	}

	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, errDecryptionFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
