// Package secret provides SecretProviders for the long-lived session
// credential. Each call re-reads its source, so a rotated credential is
// picked up on the next connection attempt.
package secret

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNotFound reports that the source holds no credential.
var ErrNotFound = errors.New("secret: not found")

// Sanitize trims whitespace and replaces U+2011 (non-breaking hyphen), which
// copy-paste from some consoles introduces, with '-'.
func Sanitize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\u2011", "-"))
}

// Env reads the credential from an environment variable.
type Env struct {
	Key string
}

// Secret returns the sanitized value of the variable.
func (e Env) Secret(_ context.Context) (string, error) {
	v, ok := os.LookupEnv(e.Key)
	if !ok {
		return "", fmt.Errorf("%w: env %s", ErrNotFound, e.Key)
	}
	return Sanitize(v), nil
}

// File reads the credential from a file, as mounted by secret managers.
type File struct {
	Path string
}

// Secret returns the sanitized file contents.
func (f File) Secret(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w: file %s", ErrNotFound, f.Path)
		}
		return "", fmt.Errorf("secret: read %s: %w", f.Path, err)
	}
	return Sanitize(string(b)), nil
}
