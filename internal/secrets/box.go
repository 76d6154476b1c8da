package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/box"
)

var (
	ErrNoKey            = errors.New("secret key not loaded")
	ErrInvalidKeyFile   = errors.New("invalid key file")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Box seals secrets with a nacl/box key pair owned by the runner, so
// workflow files can carry `sealed:` values instead of plaintext.
type Box struct {
	publicKey  *[32]byte
	privateKey *[32]byte
}

// LoadOrCreateKey reads the 64-byte key file at path, generating it on
// first use.
func LoadOrCreateKey(path string) (*Box, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(path); err == nil {
		if len(data) != 64 {
			return nil, ErrInvalidKeyFile
		}
		b := &Box{publicKey: new([32]byte), privateKey: new([32]byte)}
		copy(b.publicKey[:], data[:32])
		copy(b.privateKey[:], data[32:])
		return b, nil
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyData := append(pub[:], priv[:]...)
	if err := os.WriteFile(path, keyData, 0600); err != nil {
		return nil, err
	}
	return &Box{publicKey: pub, privateKey: priv}, nil
}

// Seal returns base64(nonce || ciphertext).
func (b *Box) Seal(plaintext string) (string, error) {
	if b == nil || b.privateKey == nil || b.publicKey == nil {
		return "", ErrNoKey
	}

	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return "", err
	}

	encrypted := box.Seal(nonce[:], []byte(plaintext), &nonce, b.publicKey, b.privateKey)
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

func (b *Box) Open(ciphertext string) (string, error) {
	if b == nil || b.privateKey == nil || b.publicKey == nil {
		return "", ErrNoKey
	}

	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	if len(data) < 24 {
		return "", errors.New("ciphertext too short")
	}

	var nonce [24]byte
	copy(nonce[:], data[:24])

	decrypted, ok := box.Open(nil, data[24:], &nonce, b.publicKey, b.privateKey)
	if !ok {
		return "", ErrDecryptionFailed
	}
	return string(decrypted), nil
}
