package transport

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a tenant has no transport credentials.
var ErrNotConfigured = errors.New("transport not configured for tenant")

// Credentials carries what a tenant needs to reach its provider. Storage and
// encryption live outside this module.
type Credentials struct {
	GatewayURL string
	APIKey     string
}

// CredentialProvider resolves per-tenant transport configuration.
type CredentialProvider interface {
	Resolve(ctx context.Context, tenantID string) (Credentials, error)
}

// StaticProvider serves one fixed credential set to every tenant. Useful for
// single-tenant deployments and tests.
type StaticProvider struct {
	Creds Credentials
}

func (p StaticProvider) Resolve(_ context.Context, _ string) (Credentials, error) {
	if p.Creds.GatewayURL == "" {
		return Credentials{}, ErrNotConfigured
	}
	return p.Creds, nil
}

// MapProvider resolves credentials from an in-memory map keyed by tenant.
type MapProvider map[string]Credentials

func (p MapProvider) Resolve(_ context.Context, tenantID string) (Credentials, error) {
	creds, ok := p[tenantID]
	if !ok || creds.GatewayURL == "" {
		return Credentials{}, ErrNotConfigured
	}
	return creds, nil
}
