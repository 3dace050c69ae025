// Package secrets provides AES-256-GCM sealing for credential blobs at rest
// and resolution of the master key that protects them.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/wagateway/internal/config"
	"github.com/zalando/go-keyring"
)

const keyFileName = "master.key"
const keyringService = "wagateway.credentials"
const keyringUser = "master-key"
const blobVersion = "v1"

// ErrUnsupportedVersion is returned for envelopes written by a newer format.
var ErrUnsupportedVersion = errors.New("unsupported blob version")

type encryptedBlob struct {
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Cipher seals and opens blobs with a fixed 32-byte key.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher builds a Cipher for the given 32-byte AES key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plain. The aad binds the ciphertext to its storage location,
// so a blob copied under another key fails to open.
func (c *Cipher) Seal(plain, aad []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ciphertext := c.gcm.Seal(nil, nonce, plain, aad)
	return json.Marshal(encryptedBlob{
		Version:    blobVersion,
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
	})
}

// Open decrypts a blob produced by Seal.
// Data that is not a sealed envelope is returned as-is, so records written
// before encryption was enabled stay readable.
func (c *Cipher) Open(data, aad []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty encrypted blob")
	}
	var wrapped encryptedBlob
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return data, nil
	}
	if wrapped.Version == "" || wrapped.Nonce == "" || wrapped.Ciphertext == "" {
		return data, nil
	}
	if wrapped.Version != blobVersion {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, wrapped.Version)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Nonce))
	if err != nil {
		return nil, err
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Ciphertext))
	if err != nil {
		return nil, err
	}
	return c.gcm.Open(nil, nonce, ciphertext, aad)
}

// ResolveMasterKey returns the credential master key.
// Priority: configured key → WAGATEWAY_KEY_BACKEND resolver (keyring / file / auto).
func ResolveMasterKey(configured string) ([]byte, error) {
	if strings.TrimSpace(configured) != "" {
		key, err := DecodeMasterKey(configured)
		if err != nil {
			return nil, fmt.Errorf("invalid credentials.encryptionKey: %w", err)
		}
		return key, nil
	}

	switch resolveKeyBackend() {
	case "keyring":
		return loadOrCreateMasterKeyKeyringOnly()
	case "file":
		return loadOrCreateMasterKeyFileOnly()
	default:
		if key, err := loadOrCreateMasterKeyKeyringOnly(); err == nil {
			return key, nil
		}
		return loadOrCreateMasterKeyFileOnly()
	}
}

// GenerateMasterKey returns a fresh base64 (raw, unpadded) master key.
func GenerateMasterKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(key), nil
}

// DecodeMasterKey base64-decodes a master key and validates its length (32 bytes).
// Padded and unpadded encodings are both accepted.
func DecodeMasterKey(raw string) ([]byte, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "=")
	decoded, err := base64.RawStdEncoding.DecodeString(trimmed)
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(decoded))
	}
	return decoded, nil
}

func resolveKeyBackend() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("WAGATEWAY_KEY_BACKEND")))
	switch v {
	case "keyring", "file", "auto":
		return v
	default:
		return "auto"
	}
}

func loadOrCreateMasterKeyKeyringOnly() ([]byte, error) {
	val, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		return DecodeMasterKey(val)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, err
	}
	encoded, err := GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if setErr := keyring.Set(keyringService, keyringUser, encoded); setErr != nil {
		return nil, setErr
	}
	return DecodeMasterKey(encoded)
}

func loadOrCreateMasterKeyFileOnly() ([]byte, error) {
	keyPath, err := resolveKeyFile()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, err
	}
	if data, err := os.ReadFile(keyPath); err == nil {
		return DecodeMasterKey(strings.TrimSpace(string(data)))
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	encoded, err := GenerateMasterKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(encoded+"\n"), 0o600); err != nil {
		return nil, err
	}
	return DecodeMasterKey(encoded)
}

// resolveKeyFile places the key file next to the config file.
func resolveKeyFile() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("WAGATEWAY_KEY_FILE")); explicit != "" {
		return explicit, nil
	}
	cfgPath, err := config.ConfigPath()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(cfgPath), keyFileName), nil
}
