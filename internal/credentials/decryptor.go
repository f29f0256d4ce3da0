// Package credentials assembles a QueryPlan from a user's connected
// integrations and requested skills: decrypting integration tokens,
// building MCP server configs per provider, and merging in skill tools,
// sub-agents, and prompts. Grounded on the teacher's
// internal/projects/keyprovider.go envelope-encryption pattern and
// internal/skills.Merge.
package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	crand "crypto/rand"
	"errors"
	"fmt"
)

// Decryptor is the abstract port the assembler uses to recover an
// integration's plaintext tokens. Production callers inject a KMS- or
// Vault-backed adapter; AESGCMDecryptor below is a reference
// implementation for tests.
type Decryptor interface {
	Decrypt(ciphertext, key []byte) ([]byte, error)
}

// AESGCMDecryptor implements Decryptor with AES-256-GCM over a
// nonce-prefixed ciphertext ("nonce || ciphertext"), the same envelope
// format the teacher's FileKeyProvider uses for wrapping DEKs. It is a
// reference adapter for tests; production deployments supply their own
// KMS-backed Decryptor.
type AESGCMDecryptor struct{}

func (AESGCMDecryptor) Decrypt(ciphertext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aesgcm: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("aesgcm: new gcm: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("aesgcm: ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("aesgcm: open: %w", err)
	}
	return pt, nil
}

// Encrypt is a test helper producing ciphertext AESGCMDecryptor.Decrypt
// can reverse; production code never needs it, since tokens are written
// in their encrypted form by whatever issued the integration.
func Encrypt(plaintext, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := crand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}
