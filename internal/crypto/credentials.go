// Package crypto provides credential-at-rest encryption and HMAC request
// authentication for the exchange API.
package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-blob JSON schema version.
	currentVersion = 1
)

// encryptedBlobJSON is the stored format for encrypted user credentials.
type encryptedBlobJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// EncryptCredentials encrypts a user's exchange credentials with a password
// using PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM authenticated
// encryption. It returns the JSON blob suitable for storing.
func EncryptCredentials(creds domain.Credentials, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}

	plaintext, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal credentials: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	out := encryptedBlobJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}
	return json.Marshal(out)
}

// DecryptCredentials decrypts a blob produced by EncryptCredentials.
func DecryptCredentials(blob []byte, password string) (domain.Credentials, error) {
	if password == "" {
		return domain.Credentials{}, errors.New("crypto: password must not be empty")
	}

	var stored encryptedBlobJSON
	if err := json.Unmarshal(blob, &stored); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: parsing encrypted blob: %w", err)
	}
	if stored.Version != currentVersion {
		return domain.Credentials{}, fmt.Errorf("crypto: unsupported blob version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}

	var creds domain.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: unmarshal credentials: %w", err)
	}
	return creds, nil
}

// Provider resolves and decrypts per-user exchange credentials at execution
// time. It fails closed: any storage or decryption error is returned as an
// error, never as empty credentials.
type Provider struct {
	store    domain.CredentialStore
	password string
}

// NewProvider creates a credential provider decrypting with the given
// master password.
func NewProvider(store domain.CredentialStore, password string) (*Provider, error) {
	if password == "" {
		return nil, errors.New("crypto: master password must not be empty")
	}
	return &Provider{store: store, password: password}, nil
}

var _ domain.CredentialProvider = (*Provider)(nil)

// Credentials fetches and decrypts one user's exchange credentials.
func (p *Provider) Credentials(ctx context.Context, userID string) (domain.Credentials, error) {
	blob, err := p.store.EncryptedCredentials(ctx, userID)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: fetch credentials for %s: %w", userID, err)
	}
	creds, err := DecryptCredentials(blob, p.password)
	if err != nil {
		return domain.Credentials{}, fmt.Errorf("crypto: decrypt credentials for %s: %w", userID, err)
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return domain.Credentials{}, fmt.Errorf("crypto: decrypted credentials for %s are incomplete", userID)
	}
	return creds, nil
}
