package secret

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

const refPrefix = "secretref:"

// Resolver expands environment references and resolves secret refs.
type Resolver struct {
	providers map[string]Provider
	strict    bool
}

// NewResolver creates a resolver over providers. With strict set, a provider
// returning an empty value is an error.
func NewResolver(strict bool, providers ...Provider) *Resolver {
	r := &Resolver{providers: make(map[string]Provider, len(providers)), strict: strict}
	for _, p := range providers {
		if p != nil {
			r.providers[p.Name()] = p
		}
	}
	return r
}

// DefaultResolver returns a strict resolver with the env and file providers.
func DefaultResolver() *Resolver {
	return NewResolver(true, EnvProvider{}, FileProvider{})
}

// ResolveValue expands value and resolves any secret refs in it.
func (r *Resolver) ResolveValue(ctx context.Context, value string) (string, error) {
	expanded, err := ExpandEnvStrict(value)
	if err != nil {
		return "", err
	}
	if provider, ref, ok := ParseSecretRef(expanded); ok {
		return r.resolve(ctx, provider, ref)
	}
	return r.resolveInline(ctx, expanded)
}

// ResolveFields resolves each non-empty string in place. It stops at the
// first error, naming the field.
func (r *Resolver) ResolveFields(ctx context.Context, fields map[string]*string) error {
	for name, ptr := range fields {
		if ptr == nil || *ptr == "" {
			continue
		}
		v, err := r.ResolveValue(ctx, *ptr)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", name, err)
		}
		*ptr = v
	}
	return nil
}

// ParseSecretRef splits a whole-value reference "secretref:<provider>:<ref>".
func ParseSecretRef(value string) (provider, ref string, ok bool) {
	rest, found := strings.CutPrefix(value, refPrefix)
	if !found {
		return "", "", false
	}
	provider, ref, found = strings.Cut(rest, ":")
	if !found || provider == "" || ref == "" {
		return "", "", false
	}
	return provider, ref, true
}

func (r *Resolver) resolve(ctx context.Context, providerName, ref string) (string, error) {
	p, ok := r.providers[providerName]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, providerName)
	}
	v, err := p.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	if r.strict && v == "" {
		return "", fmt.Errorf("secret: provider %q returned an empty value", providerName)
	}
	return v, nil
}

var inlineRefPattern = regexp.MustCompile(`secretref:([A-Za-z0-9_-]+):([^\s@]+)`)

func (r *Resolver) resolveInline(ctx context.Context, value string) (string, error) {
	matches := inlineRefPattern.FindAllStringSubmatchIndex(value, -1)
	out := value
	// Replace from the end so earlier indexes stay valid.
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		v, err := r.resolve(ctx, out[m[2]:m[3]], out[m[4]:m[5]])
		if err != nil {
			return "", err
		}
		out = out[:m[0]] + v + out[m[1]:]
	}
	return out, nil
}
