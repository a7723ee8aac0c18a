package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/cuemby/corral/pkg/types"
)

// CredentialBox encrypts per-(user, project) credentials at rest with
// AES-CBC. The IV is deployment-wide and comes from configuration; the key
// is derived per principal. Plaintext is padded to a 16-byte multiple with
// spaces and the ciphertext is base64-encoded for transport; trailing
// spaces in the original plaintext are therefore not preserved.
type CredentialBox struct {
	iv []byte
}

// NewCredentialBox creates a box from the configured 16-byte init vector
func NewCredentialBox(initVector string) (*CredentialBox, error) {
	if len(initVector) != aes.BlockSize {
		return nil, fmt.Errorf("init vector must be %d bytes, got %d",
			aes.BlockSize, len(initVector))
	}
	return &CredentialBox{iv: []byte(initVector)}, nil
}

// deriveKey builds the per-principal AES-256 key
func deriveKey(user, project string) []byte {
	hash := sha256.Sum256([]byte(user + "|" + project))
	return hash[:]
}

func pad(plaintext []byte) []byte {
	if rem := len(plaintext) % aes.BlockSize; rem != 0 {
		return append(plaintext, bytes.Repeat([]byte(" "), aes.BlockSize-rem)...)
	}
	return plaintext
}

// Encrypt seals a credential for the given principal
func (b *CredentialBox) Encrypt(user, project string, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", fmt.Errorf("cannot encrypt empty credential")
	}
	block, err := aes.NewCipher(deriveKey(user, project))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	padded := pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, b.iv).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a credential sealed with Encrypt
func (b *CredentialBox) Decrypt(user, project, encoded string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d is not a block multiple", len(ciphertext))
	}

	block, err := aes.NewCipher(deriveKey(user, project))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, b.iv).CryptBlocks(plaintext, ciphertext)
	return bytes.TrimRight(plaintext, " "), nil
}

// Seal encrypts and wraps a credential row ready for storage
func (b *CredentialBox) Seal(user, project string, plaintext []byte, ts time.Time) (*types.Credential, error) {
	encoded, err := b.Encrypt(user, project, plaintext)
	if err != nil {
		return nil, err
	}
	return &types.Credential{
		User:      user,
		Project:   project,
		Cred:      encoded,
		CreatedAt: ts,
		UpdatedAt: ts,
	}, nil
}

// Open decrypts a stored credential row
func (b *CredentialBox) Open(cred *types.Credential) ([]byte, error) {
	if cred == nil {
		return nil, fmt.Errorf("credential cannot be nil")
	}
	return b.Decrypt(cred.User, cred.Project, cred.Cred)
}
