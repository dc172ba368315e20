// Package tenant carries the caller's tenant identity through a context.
package tenant

import (
	"context"
	"fmt"
	"strings"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

type ctxKey struct{}

// WithID returns a context carrying the tenant id.
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the tenant id carried by ctx, or ErrInvalidTenant.
func FromContext(ctx context.Context) (string, error) {
	id, _ := ctx.Value(ctxKey{}).(string)
	if err := Validate(id); err != nil {
		return "", err
	}
	return id, nil
}

// Validate rejects empty ids and ids containing path separators, since the
// id is used as a workspace directory component.
func Validate(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty tenant id", types.ErrInvalidTenant)
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("%w: %q", types.ErrInvalidTenant, id)
	}
	return nil
}
