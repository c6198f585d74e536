package cache

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// gcmTagSize is the AES-GCM authentication tag length in bytes.
const gcmTagSize = 16

// ParseKey accepts a 64-hex-char or base64-encoded 32-byte key and returns
// the raw key material.
func ParseKey(s string) ([]byte, error) {
	if len(s) == 64 {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	for _, dec := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if key, err := dec.DecodeString(s); err == nil {
			if len(key) != 32 {
				return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
			}
			return key, nil
		}
	}
	return nil, fmt.Errorf("encryption key must be 64 hex chars or base64 of 32 bytes")
}

// encryptRecord seals plaintext with AES-256-GCM and a fresh 12-byte nonce.
// The authentication tag is returned separately from the ciphertext so the
// on-disk envelope can store them as distinct fields.
func encryptRecord(key, plaintext []byte) (iv, tag, data []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating GCM: %w", err)
	}

	iv = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, fmt.Errorf("generating nonce: %w", err)
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	data = sealed[:len(sealed)-gcmTagSize]
	tag = sealed[len(sealed)-gcmTagSize:]
	return iv, tag, data, nil
}

// decryptRecord opens a sealed record. A wrong key or tampered record fails
// closed with no partial plaintext.
func decryptRecord(key, iv, tag, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce length %d", len(iv))
	}

	sealed := make([]byte, 0, len(data)+len(tag))
	sealed = append(sealed, data...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("opening record: %w", err)
	}
	return plaintext, nil
}
