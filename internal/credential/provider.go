// Package credential resolves endpoint credentials at call time.
//
// A credential reference names an environment variable; the value is read
// when a bridge call needs it and is never cached between calls or written
// to logs. Resolved values travel as config.Secret so accidental
// formatting prints the redacted form.
package credential

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fyrsmithlabs/auditd/internal/config"
)

// ErrNotFound indicates the referenced credential is absent.
var ErrNotFound = errors.New("credential not found")

// Provider resolves a credential reference to its current value.
type Provider interface {
	// Resolve returns the credential for ref. Implementations must not
	// cache the value across calls.
	Resolve(ctx context.Context, ref string) (config.Secret, error)
}

// EnvProvider resolves references as environment variable names.
type EnvProvider struct{}

var _ Provider = (*EnvProvider)(nil)

// NewEnvProvider returns a Provider backed by the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{}
}

// Resolve reads the environment variable named by ref.
func (p *EnvProvider) Resolve(_ context.Context, ref string) (config.Secret, error) {
	if ref == "" {
		return "", fmt.Errorf("empty credential reference: %w", ErrNotFound)
	}
	value, ok := os.LookupEnv(ref)
	if !ok || value == "" {
		return "", fmt.Errorf("credential %s: %w", ref, ErrNotFound)
	}
	return config.Secret(value), nil
}

// StaticProvider resolves from a fixed map. Test use only.
type StaticProvider struct {
	Values map[string]string
}

var _ Provider = (*StaticProvider)(nil)

// Resolve returns the mapped value for ref.
func (p *StaticProvider) Resolve(_ context.Context, ref string) (config.Secret, error) {
	value, ok := p.Values[ref]
	if !ok || value == "" {
		return "", fmt.Errorf("credential %s: %w", ref, ErrNotFound)
	}
	return config.Secret(value), nil
}

// CheckRefs probes every endpoint's credential reference once and returns a
// warning per unresolvable reference. Values are discarded immediately;
// this only verifies presence at startup.
func CheckRefs(ctx context.Context, provider Provider, endpoints []config.EndpointConfig) []string {
	var warnings []string
	for _, ep := range endpoints {
		if !ep.IsEnabled() || ep.AuthMode == "none" || ep.CredentialRef == "" {
			continue
		}
		if _, err := provider.Resolve(ctx, ep.CredentialRef); err != nil {
			warnings = append(warnings, fmt.Sprintf(
				"bridge endpoint %q: credential %s not resolvable, calls will fail authentication",
				ep.Name, ep.CredentialRef))
		}
	}
	return warnings
}
