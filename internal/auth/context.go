package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxClientID ctxKey = iota
	ctxRole
)

func WithIdentity(ctx context.Context, clientID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxClientID, clientID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func ClientID(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxClientID).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("client_id not in context")
}

func Role(ctx context.Context) (string, error) {
	if s, ok := ctx.Value(ctxRole).(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}
