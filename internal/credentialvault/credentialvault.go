// Package credentialvault encrypts and decrypts session private keys at
// rest, deriving a distinct AES-256-GCM key per master credential from a
// single root key. It follows the same hex(nonce||ciphertext) scheme
// VidIsWandering-secure-payment-gateway's AESEncryptionService uses, but
// keyed per credential_id rather than a single fixed key, and extended to
// decode three legacy plaintext/ciphertext formats on read.
package credentialvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/mbd888/agentpay/internal/paymenterrors"
)

// Vault derives a per-credential AES-256-GCM key from a root key and uses
// it to encrypt/decrypt session private key scalars.
type Vault struct {
	rootKey []byte // 32 bytes
}

// New creates a Vault from a 32-byte root key.
func New(rootKey []byte) (*Vault, error) {
	if len(rootKey) != 32 {
		return nil, fmt.Errorf("credentialvault: root key must be 32 bytes, got %d", len(rootKey))
	}
	return &Vault{rootKey: rootKey}, nil
}

// deriveKey computes the per-credential AES key as HMAC-SHA256(rootKey,
// credentialID), truncated to 32 bytes (HMAC-SHA256 already emits 32).
// This keeps a single root secret in config while still giving every
// credential its own encryption key, so compromising one credential's
// derived key never exposes another's.
func (v *Vault) deriveKey(credentialID string) []byte {
	mac := hmac.New(sha256.New, v.rootKey)
	mac.Write([]byte(credentialID))
	return mac.Sum(nil)
}

// Encrypt seals a session private key scalar under the key derived for
// credentialID. Output is hex(nonce || ciphertext), matching the teacher's
// encoding so downstream tooling that expects that shape keeps working.
func (v *Vault) Encrypt(credentialID string, plaintext []byte) ([]byte, error) {
	key := v.deriveKey(credentialID)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, paymenterrors.Crypto("credentialvault: new cipher failed")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, paymenterrors.Crypto("credentialvault: new gcm failed")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, paymenterrors.Crypto("credentialvault: nonce generation failed")
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, hex.EncodedLen(len(sealed)))
	hex.Encode(out, sealed)
	return out, nil
}

// Decrypt opens a session private key previously sealed by Encrypt, and
// additionally accepts three legacy formats so older rows never hard-fail
// on read:
//
//  1. a 66-char 0x-prefixed 32-byte raw hex scalar — unencrypted, a
//     warning is logged and the bytes are returned as-is;
//  2. a hex-prefixed ciphertext produced by an older vault generation,
//     same hex(nonce||ciphertext) shape as Encrypt's current output;
//  3. bare base64 ciphertext (no hex wrapper), from the very first
//     credential rollout.
func (v *Vault) Decrypt(credentialID string, stored []byte) ([]byte, error) {
	s := string(stored)

	if len(s) == 66 && s[:2] == "0x" {
		raw, err := hex.DecodeString(s[2:])
		if err != nil {
			return nil, paymenterrors.Crypto("credentialvault: malformed legacy raw scalar")
		}
		slog.Warn("credentialvault: decrypted unencrypted legacy raw key", "credential_id", credentialID)
		return raw, nil
	}

	if sealed, err := hex.DecodeString(s); err == nil {
		return v.open(credentialID, sealed)
	}

	if sealed, err := base64.StdEncoding.DecodeString(s); err == nil {
		return v.open(credentialID, sealed)
	}

	return nil, paymenterrors.Crypto("credentialvault: unrecognized key format")
}

func (v *Vault) open(credentialID string, sealed []byte) ([]byte, error) {
	key := v.deriveKey(credentialID)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, paymenterrors.Crypto("credentialvault: new cipher failed")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, paymenterrors.Crypto("credentialvault: new gcm failed")
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, paymenterrors.Crypto("credentialvault: ciphertext too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, paymenterrors.Crypto("credentialvault: decryption failed")
	}
	return plaintext, nil
}

// Zero overwrites a private key buffer in place once the caller is done
// with it, so a session's plaintext scalar does not linger in memory any
// longer than the signing operation that needed it.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
