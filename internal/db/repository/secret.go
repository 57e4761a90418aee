package repository

import (
	"context"
	"database/sql"

	"github.com/OWOX/owox-data-marts-sub004/internal/db/crypto"
	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

var _ domain.SecretRepository = (*SecretRepo)(nil)

// SecretRepo stores credential documents encrypted at rest.
type SecretRepo struct {
	db        *sql.DB
	encryptor *crypto.Encryptor
}

// NewSecretRepo creates a new SecretRepo.
func NewSecretRepo(db *sql.DB, encryptor *crypto.Encryptor) *SecretRepo {
	return &SecretRepo{db: db, encryptor: encryptor}
}

// Get returns the secret with the decrypted payload.
func (r *SecretRepo) Get(ctx context.Context, name string) (*domain.Secret, error) {
	var secret domain.Secret
	err := r.db.QueryRowContext(ctx, `
		SELECT name, payload, created_at, updated_at FROM secrets WHERE name = ?
	`, name).Scan(&secret.Name, &secret.Payload, &secret.CreatedAt, &secret.UpdatedAt)
	if err != nil {
		return nil, mapDBError(err)
	}

	plaintext, err := r.encryptor.Decrypt(secret.Payload)
	if err != nil {
		return nil, err
	}
	secret.Payload = plaintext
	return &secret, nil
}

// Put encrypts and upserts a secret payload.
func (r *SecretRepo) Put(ctx context.Context, name, payload string) error {
	ciphertext, err := r.encryptor.Encrypt(payload)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO secrets (name, payload) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload, updated_at = CURRENT_TIMESTAMP
	`, name, ciphertext)
	return mapDBError(err)
}

// Delete removes a secret.
func (r *SecretRepo) Delete(ctx context.Context, name string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return mapDBError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound("secret %q not found", name)
	}
	return nil
}
