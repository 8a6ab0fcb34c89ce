package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := make([]byte, padLen)
	for i := range padding {
		padding[i] = byte(padLen)
	}
	return append(data, padding...)
}

func sealCredential(t *testing.T, pub *rsa.PublicKey, plaintext string) []byte {
	t.Helper()

	aesKey := make([]byte, 32)
	_, err := rand.Read(aesKey)
	require.NoError(t, err)

	block, err := aes.NewCipher(aesKey)
	require.NoError(t, err)

	iv := make([]byte, aes.BlockSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	wrappedKey, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	require.NoError(t, err)

	env := EncryptedCredential{
		EncryptedKey: base64.StdEncoding.EncodeToString(wrappedKey),
		Ciphertext:   append(iv, ciphertext...),
	}
	blob, err := json.Marshal(env)
	require.NoError(t, err)
	return blob
}

func TestDecryptCredentialRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	blob := sealCredential(t, &priv.PublicKey, "sk-test-api-key")

	got, err := DecryptCredential(blob, priv)
	require.NoError(t, err)
	require.Equal(t, "sk-test-api-key", string(got))
}

func TestDecryptCredentialRejectsMalformedEnvelope(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	_, err = DecryptCredential([]byte("not json"), priv)
	require.Error(t, err)
}
