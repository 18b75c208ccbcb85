package encryption

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/scrypt"
)

// Supported at-rest encryption algorithms.
const (
	AlgorithmGCM = "aes-256-gcm"
	AlgorithmCBC = "aes-256-cbc"
)

// kdfSalt is the fixed application-level salt for password-derived keys.
// Changing it invalidates every key derived from a password.
const kdfSalt = "mcp-oauth/at-rest/v1"

const gcmTagSize = 16

// Service encrypts and decrypts sensitive persisted fields. When no key is
// configured it is a pass-through: values are stored in plaintext.
type Service struct {
	key       []byte
	algorithm string
}

// NewService builds an encryption service from configuration. The key is
// either 64 hex characters (32 bytes) or derived from a password via scrypt.
// With neither set, the returned service stores plaintext.
func NewService(hexKey, password, algorithm string) (*Service, error) {
	switch algorithm {
	case "":
		algorithm = AlgorithmGCM
	case AlgorithmGCM, AlgorithmCBC:
	default:
		return nil, fmt.Errorf("unsupported encryption algorithm: %s", algorithm)
	}

	var key []byte
	switch {
	case hexKey != "":
		decoded, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode encryption key: %w", err)
		}
		if len(decoded) != 32 {
			return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex characters), got %d bytes", len(decoded))
		}
		key = decoded
	case password != "":
		derived, err := scrypt.Key([]byte(password), []byte(kdfSalt), 32768, 8, 1, 32)
		if err != nil {
			return nil, fmt.Errorf("failed to derive encryption key: %w", err)
		}
		key = derived
	default:
		log.Warn().Msg("No encryption key configured, sensitive fields will be stored in plaintext")
	}

	return &Service{key: key, algorithm: algorithm}, nil
}

// Enabled reports whether a key is configured.
func (s *Service) Enabled() bool {
	return len(s.key) > 0
}

// Algorithm returns the configured algorithm name.
func (s *Service) Algorithm() string {
	return s.algorithm
}

// Encrypt encrypts a value for storage. GCM output is iv:authTag:data, CBC
// output is iv:data, all hex encoded. Pass-through when no key is configured.
func (s *Service) Encrypt(plaintext string) (string, error) {
	if !s.Enabled() {
		return plaintext, nil
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	switch s.algorithm {
	case AlgorithmCBC:
		iv := make([]byte, aes.BlockSize)
		if _, err := rand.Read(iv); err != nil {
			return "", fmt.Errorf("failed to generate IV: %w", err)
		}
		padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
		data := make([]byte, len(padded))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(data, padded)
		return hex.EncodeToString(iv) + ":" + hex.EncodeToString(data), nil
	default:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", fmt.Errorf("failed to create GCM: %w", err)
		}
		iv := make([]byte, gcm.NonceSize())
		if _, err := rand.Read(iv); err != nil {
			return "", fmt.Errorf("failed to generate IV: %w", err)
		}
		sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
		data, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]
		return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(data), nil
	}
}

// Decrypt reverses Encrypt. Decryption is lenient: malformed input, a wrong
// algorithm, or legacy plaintext is returned unchanged so that reads written
// before encryption was enabled keep working. Failures are logged at warn and
// never surfaced to callers.
func (s *Service) Decrypt(ciphertext string) string {
	if !s.Enabled() || ciphertext == "" {
		return ciphertext
	}

	plaintext, err := s.decrypt(ciphertext)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to decrypt stored value, returning it unchanged")
		return ciphertext
	}
	return plaintext
}

func (s *Service) decrypt(ciphertext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	parts := strings.Split(ciphertext, ":")

	switch s.algorithm {
	case AlgorithmCBC:
		if len(parts) != 2 {
			return "", fmt.Errorf("malformed ciphertext: expected iv:data")
		}
		iv, err := hex.DecodeString(parts[0])
		if err != nil || len(iv) != aes.BlockSize {
			return "", fmt.Errorf("malformed IV")
		}
		data, err := hex.DecodeString(parts[1])
		if err != nil || len(data) == 0 || len(data)%aes.BlockSize != 0 {
			return "", fmt.Errorf("malformed ciphertext data")
		}
		plaintext := make([]byte, len(data))
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)
		unpadded, err := pkcs7Unpad(plaintext, aes.BlockSize)
		if err != nil {
			return "", err
		}
		return string(unpadded), nil
	default:
		if len(parts) != 3 {
			return "", fmt.Errorf("malformed ciphertext: expected iv:authTag:data")
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", fmt.Errorf("failed to create GCM: %w", err)
		}
		iv, err := hex.DecodeString(parts[0])
		if err != nil || len(iv) != gcm.NonceSize() {
			return "", fmt.Errorf("malformed IV")
		}
		tag, err := hex.DecodeString(parts[1])
		if err != nil || len(tag) != gcmTagSize {
			return "", fmt.Errorf("malformed auth tag")
		}
		data, err := hex.DecodeString(parts[2])
		if err != nil {
			return "", fmt.Errorf("malformed ciphertext data")
		}
		plaintext, err := gcm.Open(nil, iv, append(data, tag...), nil)
		if err != nil {
			return "", fmt.Errorf("failed to decrypt: %w", err)
		}
		return string(plaintext), nil
	}
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padding := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(padding)}, padding)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded data length")
	}
	padding := int(data[len(data)-1])
	if padding == 0 || padding > blockSize {
		return nil, fmt.Errorf("invalid padding")
	}
	for _, b := range data[len(data)-padding:] {
		if int(b) != padding {
			return nil, fmt.Errorf("invalid padding")
		}
	}
	return data[:len(data)-padding], nil
}
