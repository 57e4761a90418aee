// Package storage resolves warehouse connection credentials from stored,
// encrypted secrets.
package storage

import (
	"context"
	"log/slog"

	"github.com/OWOX/owox-data-marts-sub004/internal/domain"
)

var _ domain.CredentialsResolver = (*CredentialsResolver)(nil)

// CredentialsResolver loads the secret a data mart's storage references and
// returns its decrypted payload as backend-specific credentials.
type CredentialsResolver struct {
	secrets domain.SecretRepository
	logger  *slog.Logger
}

// NewCredentialsResolver creates a CredentialsResolver.
func NewCredentialsResolver(secrets domain.SecretRepository, logger *slog.Logger) *CredentialsResolver {
	return &CredentialsResolver{
		secrets: secrets,
		logger:  logger.With("component", "credentials_resolver"),
	}
}

// Resolve implements domain.CredentialsResolver. A storage without a secret
// reference is a setup error surfaced to the caller, never a silent empty
// credential.
func (r *CredentialsResolver) Resolve(ctx context.Context, storage domain.Storage) (domain.Credentials, error) {
	if storage.SecretRef == "" {
		return nil, domain.ErrValidation("storage %s has no credentials configured", storage.Type)
	}

	secret, err := r.secrets.Get(ctx, storage.SecretRef)
	if err != nil {
		r.logger.Warn("failed to load storage secret", "secret", storage.SecretRef, "error", err)
		return nil, err
	}
	return domain.Credentials(secret.Payload), nil
}
