package logx

import (
	"context"

	"pkt.systems/pslog"

	"github.com/codekingibk/nodehost/schema"
)

type contextKey int

const (
	accountKey contextKey = iota
	instanceKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithAccount annotates the logger with the account id if present.
func WithAccount(ctx context.Context, accountID schema.AccountID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if accountID != "" {
		if current, ok := ctx.Value(accountKey).(schema.AccountID); ok && current == accountID {
			return log
		}
		log = log.With("account", accountID)
	}
	return log
}

// WithInstance annotates the logger with the instance id if present.
func WithInstance(ctx context.Context, instanceID schema.InstanceID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if instanceID != "" {
		if current, ok := ctx.Value(instanceKey).(schema.InstanceID); ok && current == instanceID {
			return log
		}
		log = log.With("instance", instanceID)
	}
	return log
}

// ContextWithAccount stores the account marker on the context for log de-duplication.
func ContextWithAccount(ctx context.Context, accountID schema.AccountID) context.Context {
	if ctx == nil || accountID == "" {
		return ctx
	}
	return context.WithValue(ctx, accountKey, accountID)
}

// ContextWithInstance stores the instance marker on the context for log de-duplication.
func ContextWithInstance(ctx context.Context, instanceID schema.InstanceID) context.Context {
	if ctx == nil || instanceID == "" {
		return ctx
	}
	return context.WithValue(ctx, instanceKey, instanceID)
}

// ContextWithInstanceLogger attaches the logger and instance marker to the context.
func ContextWithInstanceLogger(ctx context.Context, log pslog.Logger, instanceID schema.InstanceID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithInstance(ctx, instanceID)
}
