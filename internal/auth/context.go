package auth

import (
	"context"
	"errors"
)

type ctxKey int

const (
	ctxUserID ctxKey = iota
	ctxTenantID
	ctxRole
)

func WithIdentity(ctx context.Context, userID, tenantID, role string) context.Context {
	ctx = context.WithValue(ctx, ctxUserID, userID)
	ctx = context.WithValue(ctx, ctxTenantID, tenantID)
	ctx = context.WithValue(ctx, ctxRole, role)
	return ctx
}

func UserID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxUserID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("user_id not in context")
}

func TenantID(ctx context.Context) (string, error) {
	v := ctx.Value(ctxTenantID)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("tenant_id not in context")
}

func Role(ctx context.Context) (string, error) {
	v := ctx.Value(ctxRole)
	if s, ok := v.(string); ok && s != "" {
		return s, nil
	}
	return "", errors.New("role not in context")
}

// Staff is the salon employee behind a request: who they are, which salon
// they work at and what they may do there.
type Staff struct {
	UserID  string `json:"user_id"`
	SalonID string `json:"tenant_id"`
	Role    string `json:"role"`
}

// StaffFrom reads the caller injected by RequireAccessToken. A request with no
// salon cannot touch any wallet, so a missing tenant is an error.
func StaffFrom(ctx context.Context) (Staff, error) {
	uid, err := UserID(ctx)
	if err != nil {
		return Staff{}, err
	}
	salon, err := TenantID(ctx)
	if err != nil {
		return Staff{}, err
	}
	role, _ := Role(ctx)
	return Staff{UserID: uid, SalonID: salon, Role: role}, nil
}
