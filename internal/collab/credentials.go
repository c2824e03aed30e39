package collab

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"io"

	appErr "github.com/launchbay/engine/pkg/errors"
)

// AESCredentialStore implements CredentialStore with AES-256-GCM. The
// ciphertext format is base64(nonce || sealed).
type AESCredentialStore struct {
	key []byte
}

// NewAESCredentialStore takes a hex-encoded 32-byte key.
func NewAESCredentialStore(hexKey string) (*AESCredentialStore, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "credentials key is not valid hex")
	}
	if len(key) != 32 {
		return nil, appErr.New(appErr.CodeInvalid, "credentials key must be 32 bytes")
	}
	return &AESCredentialStore{key: key}, nil
}

func (s *AESCredentialStore) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "cipher init failed")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "gcm init failed")
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", appErr.Wrap(err, appErr.CodeInternal, "nonce generation failed")
	}
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *AESCredentialStore) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "ciphertext is not valid base64")
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "cipher init failed")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInternal, "gcm init failed")
	}
	if len(raw) < gcm.NonceSize() {
		return nil, appErr.New(appErr.CodeInvalid, "ciphertext too short")
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, appErr.Wrap(err, appErr.CodeInvalid, "decrypt failed")
	}
	return plaintext, nil
}
