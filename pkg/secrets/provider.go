// Package secrets resolves {"$secret": "NAME"} descriptors scattered
// through the loaded configuration tree into real values, via a small
// chain of providers.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/1password/onepassword-sdk-go"
)

// Provider resolves one secret name to its value.
type Provider interface {
	// Name identifies the provider in error messages and logs.
	Name() string
	// Resolve returns the secret value for name, or an error if this
	// provider cannot supply it (including "not configured for this
	// provider", which callers distinguish from a transient failure only
	// by trying the next provider in the chain).
	Resolve(ctx context.Context, name string) (string, error)
}

// EnvProvider resolves a secret name against an environment variable of the
// same name, optionally prefixed.
type EnvProvider struct {
	Prefix string
}

// Name implements Provider.
func (EnvProvider) Name() string { return "env" }

// Resolve implements Provider.
func (p EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	key := p.Prefix + name
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", fmt.Errorf("secrets: env provider: %s not set", key)
	}
	return v, nil
}

// FileProvider resolves a secret name against a file at Dir/name, the
// Kubernetes-secret-volume convention.
type FileProvider struct {
	Dir string
}

// Name implements Provider.
func (FileProvider) Name() string { return "file" }

// Resolve implements Provider.
func (p FileProvider) Resolve(_ context.Context, name string) (string, error) {
	data, err := os.ReadFile(p.Dir + "/" + name)
	if err != nil {
		return "", fmt.Errorf("secrets: file provider: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

// OnePasswordProvider resolves a secret name as a 1Password secret
// reference (op://vault/item/field). name is passed through unmodified, so
// callers must write full references as the $secret value when targeting
// this provider.
type OnePasswordProvider struct {
	client *onepassword.Client
}

// NewOnePasswordProvider authenticates against 1Password using
// serviceAccountToken.
func NewOnePasswordProvider(ctx context.Context, serviceAccountToken, integrationName, integrationVersion string) (*OnePasswordProvider, error) {
	client, err := onepassword.NewClient(
		ctx,
		onepassword.WithServiceAccountToken(serviceAccountToken),
		onepassword.WithIntegrationInfo(integrationName, integrationVersion),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: init 1password client: %w", err)
	}
	return &OnePasswordProvider{client: client}, nil
}

// Name implements Provider.
func (OnePasswordProvider) Name() string { return "onepassword" }

// Resolve implements Provider.
func (p *OnePasswordProvider) Resolve(ctx context.Context, name string) (string, error) {
	value, err := p.client.Secrets().Resolve(ctx, name)
	if err != nil {
		return "", fmt.Errorf("secrets: onepassword provider: %w", err)
	}
	return value, nil
}
