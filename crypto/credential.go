package crypto

import (
	"bytes"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
)

// EncryptedCredential is the on-disk envelope stored per principal: an
// RSA-OAEP-wrapped AES key plus the IV-prefixed AES-CBC ciphertext of the
// principal's model API key, the same scheme DecryptAESCBC already unwraps
// for encrypted source media.
type EncryptedCredential struct {
	EncryptedKey string `json:"encrypted_key"`
	Ciphertext   []byte `json:"ciphertext"`
}

// DecryptCredential unwraps blob (the JSON encoding of EncryptedCredential)
// with the orchestrator's master private key and returns the plaintext model
// API key as a byte slice, so the caller can zero it once the job holding it
// reaches a terminal state.
func DecryptCredential(blob []byte, privateKey *rsa.PrivateKey) ([]byte, error) {
	var env EncryptedCredential
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, fmt.Errorf("malformed credential envelope: %w", err)
	}

	plainReader, err := DecryptAESCBC(bytes.NewReader(env.Ciphertext), privateKey, env.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential: %w", err)
	}
	defer plainReader.Close()

	plaintext, err := io.ReadAll(plainReader)
	if err != nil {
		return nil, fmt.Errorf("failed to read decrypted credential: %w", err)
	}
	return plaintext, nil
}
