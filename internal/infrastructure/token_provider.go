package infrastructure

import (
	"context"

	"github.com/librisync/librisync/internal/domain"
)

// StaticTokenProvider serves credentials loaded from configuration.
// Registration and token refresh happen outside this service; when the
// token here goes stale the license endpoint rejects it and the task fails
// with an auth error.
type StaticTokenProvider struct {
	creds domain.Credentials
}

// NewStaticTokenProvider creates a provider from auth configuration
func NewStaticTokenProvider(config *domain.AuthConfig) *StaticTokenProvider {
	return &StaticTokenProvider{
		creds: domain.Credentials{
			AccessToken:  config.AccessToken,
			DeviceType:   config.DeviceType,
			DeviceSerial: config.DeviceSerial,
			AccountID:    config.AccountID,
		},
	}
}

// Credentials returns the configured credentials, or ErrAuthRequired when
// no token is configured
func (p *StaticTokenProvider) Credentials(ctx context.Context) (domain.Credentials, error) {
	if p.creds.AccessToken == "" {
		return domain.Credentials{}, domain.ErrAuthRequired
	}
	return p.creds, nil
}
