package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// CredentialStore fetches encrypted exchange credential blobs. Decryption
// happens in the credential provider, never here.
type CredentialStore struct {
	pool *pgxpool.Pool
}

// NewCredentialStore creates a CredentialStore backed by the given pool.
func NewCredentialStore(pool *pgxpool.Pool) *CredentialStore {
	return &CredentialStore{pool: pool}
}

var _ domain.CredentialStore = (*CredentialStore)(nil)

// EncryptedCredentials returns the user's encrypted credential blob.
func (s *CredentialStore) EncryptedCredentials(ctx context.Context, userID string) ([]byte, error) {
	var blob []byte
	err := s.pool.QueryRow(ctx,
		`SELECT encrypted_blob FROM user_credentials WHERE user_id = $1`,
		userID).Scan(&blob)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("postgres: encrypted credentials: %w", err)
	}
	return blob, nil
}
