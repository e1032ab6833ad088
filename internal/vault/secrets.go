package vault

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrSecretNotFound = errors.New("secret not found")

// SecretSource supplies key material at startup.
type SecretSource interface {
	Secret(ctx context.Context, name string) ([]byte, error)
}

// EnvSource reads secrets from environment variables.
type EnvSource struct {
	Lookup func(string) (string, bool)
}

func (s EnvSource) Secret(_ context.Context, name string) ([]byte, error) {
	lookup := s.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	return []byte(strings.TrimSpace(v)), nil
}

// FileSource reads secrets mounted as files, one per name, the layout used
// by Kubernetes and Cloud Run secret volumes.
type FileSource struct {
	Dir string
}

func (s FileSource) Secret(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid secret name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(s.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret %s: %w", name, err)
	}
	trimmed := []byte(strings.TrimSpace(string(data)))
	clear(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrSecretNotFound, name)
	}
	return trimmed, nil
}

// NewSource picks a source by kind ("env" or "file").
func NewSource(kind, dir string) (SecretSource, error) {
	switch kind {
	case "env", "":
		return EnvSource{}, nil
	case "file":
		return FileSource{Dir: dir}, nil
	default:
		return nil, fmt.Errorf("unknown secret source %q", kind)
	}
}
