package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxProviderID ctxKey = iota
	ctxRole
)

func WithIdentity(ctx context.Context, providerID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxProviderID, providerID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func ProviderID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxProviderID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("provider_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxRole).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
