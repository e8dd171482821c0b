package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrMissingEnv is returned for ${VAR} references to unset variables.
	ErrMissingEnv = errors.New("secret: missing required environment variables")

	// ErrNotFound is returned when a provider has no value for a ref.
	ErrNotFound = errors.New("secret: not found")

	// ErrUnknownProvider is returned for refs naming an unregistered provider.
	ErrUnknownProvider = errors.New("secret: provider not registered")
)

// Provider resolves secrets by reference string.
//
// Implementations must be safe for concurrent use and must not log secret
// values.
type Provider interface {
	Name() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// EnvProvider resolves refs as environment variable names.
type EnvProvider struct{}

// Name returns "env".
func (EnvProvider) Name() string { return "env" }

// Resolve returns the value of the variable ref.
func (EnvProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := os.LookupEnv(ref)
	if !ok {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, ref)
	}
	return v, nil
}

// FileProvider resolves refs as file paths, such as mounted Kubernetes or
// Docker secrets. Relative paths are joined to Dir.
type FileProvider struct {
	Dir string
}

// Name returns "file".
func (FileProvider) Name() string { return "file" }

// Resolve reads the file at ref and trims trailing newlines.
func (p FileProvider) Resolve(_ context.Context, ref string) (string, error) {
	path := ref
	if !filepath.IsAbs(path) && p.Dir != "" {
		path = filepath.Join(p.Dir, path)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("%w: file %s", ErrNotFound, ref)
	}
	if err != nil {
		return "", fmt.Errorf("secret: read %s: %w", ref, err)
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}
