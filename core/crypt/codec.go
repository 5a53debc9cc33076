// Package crypt provides the default sealing codec for stored rows and fixes.
package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	SaltFile = ".salt"
	saltSize = 32
	keySize  = chacha20poly1305.KeySize
)

var ErrShortPayload = errors.New("sealed payload too short")

// Codec seals fixed-size rows with XChaCha20-Poly1305. The table name and row
// id are authenticated, so a row moved between slots or tables fails to open.
type Codec struct {
	aead  cipher.AEAD
	table string
}

// NewCodec builds a codec for one table from a 32-byte key.
func NewCodec(key []byte, table string) (*Codec, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return &Codec{aead: aead, table: table}, nil
}

// Overhead is the nonce plus the authentication tag.
func (c *Codec) Overhead() int {
	return c.aead.NonceSize() + c.aead.Overhead()
}

func (c *Codec) additionalData(id int32) []byte {
	ad := make([]byte, 0, len(c.table)+4)
	ad = append(ad, c.table...)
	return binary.BigEndian.AppendUint32(ad, uint32(id))
}

// Seal appends nonce | ciphertext | tag to dst.
func (c *Codec) Seal(dst, plain []byte, id int32) []byte {
	nonceStart := len(dst)
	dst = append(dst, make([]byte, c.aead.NonceSize())...)
	nonce := dst[nonceStart:]
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("crypt: read nonce: %v", err))
	}
	return c.aead.Seal(dst, nonce, plain, c.additionalData(id))
}

// Open appends the plain bytes of sealed to dst.
func (c *Codec) Open(dst, sealed []byte, id int32) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns+c.aead.Overhead() {
		return nil, ErrShortPayload
	}
	return c.aead.Open(dst, sealed[:ns], sealed[ns:], c.additionalData(id))
}

// Keyring derives per-install keys. An empty passphrase falls back to a
// machine identifier, which protects against copying the files elsewhere but
// not against a local reader.
type Keyring struct {
	key []byte
}

// OpenKeyring derives the master key from passphrase and the salt stored in
// dir, creating the salt on first use.
func OpenKeyring(dir, passphrase string) (*Keyring, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	salt, err := getOrCreateSalt(filepath.Join(dir, SaltFile))
	if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}

	input := passphrase
	if input == "" {
		input = machineIdentifier()
	}
	return &Keyring{key: argon2.IDKey([]byte(input), salt, 1, 64*1024, 4, keySize)}, nil
}

// KeyringFromKey wraps an existing key.
func KeyringFromKey(key []byte) (*Keyring, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("key is %d bytes, want %d", len(key), keySize)
	}
	return &Keyring{key: append([]byte(nil), key...)}, nil
}

// Codec returns the codec for the named table.
func (k *Keyring) Codec(table string) (*Codec, error) {
	return NewCodec(k.key, table)
}

func getOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltSize {
		return salt, nil
	}
	if err == nil {
		return nil, fmt.Errorf("salt file %s is %d bytes, want %d", path, len(salt), saltSize)
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, salt, 0600); err != nil {
		return nil, err
	}
	return salt, nil
}

func machineIdentifier() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
			return string(data)
		}
	}

	hostname, _ := os.Hostname()
	sum := sha256.Sum256([]byte(hostname + os.Getenv("HOME") + os.Getenv("USER")))
	return hex.EncodeToString(sum[:])
}
