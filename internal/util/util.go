// Package util holds small, dependency-light helpers shared across the
// pipeline: ABI loading from Hardhat-style build artifacts, hex decoding,
// and the symmetric decryption used to recover a private key from its
// encrypted-at-rest form at startup.
package util

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// hardhatArtifact is the subset of a Hardhat/Foundry compilation artifact
// this bot needs: the ABI array, ignoring bytecode and source metadata.
type hardhatArtifact struct {
	ABI json.RawMessage `json:"abi"`
}

// LoadABIFromHardhatArtifact reads a Hardhat-style build artifact JSON file
// and parses its "abi" field into an abi.ABI.
func LoadABIFromHardhatArtifact(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: failed to read artifact %s: %w", path, err)
	}

	var artifact hardhatArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return abi.ABI{}, fmt.Errorf("util: failed to parse artifact %s: %w", path, err)
	}

	parsed, err := abi.JSON(bytes.NewReader(artifact.ABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: failed to parse abi in %s: %w", path, err)
	}
	return parsed, nil
}

// LoadABI reads a plain ABI JSON file (just the array, no artifact wrapper).
func LoadABI(path string) (abi.ABI, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: failed to read abi file %s: %w", path, err)
	}

	parsed, err := abi.JSON(bytes.NewReader(data))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("util: failed to parse abi %s: %w", path, err)
	}
	return parsed, nil
}

// Hex2Bytes decodes a 0x-prefixed or bare hex string into raw bytes.
func Hex2Bytes(s string) ([]byte, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("util: invalid hex string: %w", err)
	}
	return b, nil
}

// Decrypt reverses a value encrypted with AES-GCM under key, the form
// ENC_PK is stored in so a private key never sits in plaintext config.
// key must decode to 16, 24, or 32 raw bytes (AES-128/192/256); ciphertext
// must decode to nonce||sealed as produced by the matching encrypt step.
func Decrypt(keyHex, ciphertextHex string) (string, error) {
	key, err := Hex2Bytes(keyHex)
	if err != nil {
		return "", fmt.Errorf("util: invalid decryption key: %w", err)
	}
	ciphertext, err := Hex2Bytes(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("util: invalid ciphertext: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("util: failed to init AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("util: failed to init GCM mode: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("util: ciphertext shorter than nonce")
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("util: failed to decrypt: %w", err)
	}
	return string(plain), nil
}
