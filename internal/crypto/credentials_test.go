package crypto

import (
	"context"
	"strings"
	"testing"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func TestEncryptDecryptCredentials(t *testing.T) {
	creds := domain.Credentials{
		APIKey:    "key-123",
		APISecret: "c2VjcmV0LWJ5dGVz",
	}

	blob, err := EncryptCredentials(creds, "master-pw")
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	if strings.Contains(string(blob), creds.APIKey) {
		t.Fatal("ciphertext blob leaks the api key")
	}

	got, err := DecryptCredentials(blob, "master-pw")
	if err != nil {
		t.Fatalf("DecryptCredentials: %v", err)
	}
	if got != creds {
		t.Errorf("round trip = %+v, want %+v", got, creds)
	}
}

func TestDecryptWrongPasswordFails(t *testing.T) {
	blob, err := EncryptCredentials(domain.Credentials{APIKey: "k", APISecret: "s"}, "right")
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	if _, err := DecryptCredentials(blob, "wrong"); err == nil {
		t.Fatal("decryption succeeded with the wrong password")
	}
}

func TestEncryptEmptyPasswordRejected(t *testing.T) {
	if _, err := EncryptCredentials(domain.Credentials{}, ""); err == nil {
		t.Fatal("empty password accepted")
	}
}

type memCredStore struct {
	blobs map[string][]byte
}

func (m *memCredStore) EncryptedCredentials(ctx context.Context, userID string) ([]byte, error) {
	blob, ok := m.blobs[userID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return blob, nil
}

func TestProviderResolvesCredentials(t *testing.T) {
	creds := domain.Credentials{APIKey: "key-1", APISecret: "sec-1"}
	blob, err := EncryptCredentials(creds, "pw")
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}

	p, err := NewProvider(&memCredStore{blobs: map[string][]byte{"u1": blob}}, "pw")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}

	got, err := p.Credentials(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if got != creds {
		t.Errorf("resolved = %+v, want %+v", got, creds)
	}
}

func TestProviderFailsClosed(t *testing.T) {
	creds := domain.Credentials{APIKey: "key-1", APISecret: "sec-1"}
	blob, err := EncryptCredentials(creds, "pw")
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}
	incomplete, err := EncryptCredentials(domain.Credentials{APIKey: "only-key"}, "pw")
	if err != nil {
		t.Fatalf("EncryptCredentials: %v", err)
	}

	store := &memCredStore{blobs: map[string][]byte{
		"u1": blob,
		"u2": incomplete,
	}}

	// Wrong master password: error, never empty credentials.
	p, err := NewProvider(store, "not-the-password")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if _, err := p.Credentials(context.Background(), "u1"); err == nil {
		t.Fatal("wrong master password returned credentials")
	}

	p, err = NewProvider(store, "pw")
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	// Unknown user.
	if _, err := p.Credentials(context.Background(), "nobody"); err == nil {
		t.Fatal("unknown user returned credentials")
	}
	// Decrypts but missing the secret.
	if _, err := p.Credentials(context.Background(), "u2"); err == nil {
		t.Fatal("incomplete credentials accepted")
	}
}

func TestHMACHeadersDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "api-key", Secret: "c2VjcmV0"} // base64 "secret"

	h1 := auth.HeadersAt("POST", "/orders", `{"q":1}`, 1700000000)
	h2 := auth.HeadersAt("POST", "/orders", `{"q":1}`, 1700000000)
	if h1["X-API-SIGNATURE"] != h2["X-API-SIGNATURE"] {
		t.Error("same inputs produced different signatures")
	}
	if h1["X-API-KEY"] != "api-key" || h1["X-API-TIMESTAMP"] != "1700000000" {
		t.Errorf("headers = %v", h1)
	}

	h3 := auth.HeadersAt("POST", "/orders", `{"q":2}`, 1700000000)
	if h1["X-API-SIGNATURE"] == h3["X-API-SIGNATURE"] {
		t.Error("different bodies produced the same signature")
	}
}

func TestHMACAuthStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "key-123456", Secret: "super-secret"}
	s := auth.String()
	if strings.Contains(s, "123456") || strings.Contains(s, "super-secret") {
		t.Errorf("String() leaks credentials: %s", s)
	}
}
