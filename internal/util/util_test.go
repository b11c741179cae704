package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHex2Bytes_HandlesPrefixAndBare(t *testing.T) {
	b1, err := Hex2Bytes("0xdeadbeef")
	require.NoError(t, err)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, b1)

	b2, err := Hex2Bytes("deadbeef")
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}

func TestHex2Bytes_RejectsInvalidHex(t *testing.T) {
	_, err := Hex2Bytes("not-hex")
	require.Error(t, err)
}

func TestDecrypt_RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	nonce := make([]byte, gcm.NonceSize())
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	plaintext := "super-secret-private-key"
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	got, err := Decrypt(hex.EncodeToString(key), hex.EncodeToString(sealed))
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecrypt_RejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCM(block)
	require.NoError(t, err)

	nonce := make([]byte, gcm.NonceSize())
	sealed := gcm.Seal(nonce, nonce, []byte("value"), nil)
	sealed[len(sealed)-1] ^= 0xFF

	_, err = Decrypt(hex.EncodeToString(key), hex.EncodeToString(sealed))
	require.Error(t, err)
}

func TestLoadABIFromHardhatArtifact(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "Executor.json")
	artifact := `{"contractName":"Executor","abi":[{"type":"function","name":"execute","inputs":[],"outputs":[]}],"bytecode":"0x"}`
	require.NoError(t, os.WriteFile(path, []byte(artifact), 0o600))

	parsed, err := LoadABIFromHardhatArtifact(path)
	require.NoError(t, err)
	_, ok := parsed.Methods["execute"]
	require.True(t, ok)
}

func TestLoadABI_PlainArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "erc20.json")
	abiJSON := `[{"type":"function","name":"balanceOf","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}]`
	require.NoError(t, os.WriteFile(path, []byte(abiJSON), 0o600))

	parsed, err := LoadABI(path)
	require.NoError(t, err)
	_, ok := parsed.Methods["balanceOf"]
	require.True(t, ok)
}
