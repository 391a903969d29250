package logx

import (
	"context"

	"pkt.systems/checkerd/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
	checkerKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithChecker annotates the logger with the checker kind if valid.
func WithChecker(log pslog.Logger, kind schema.CheckerKind) pslog.Logger {
	if kind.Valid() {
		log = log.With("checker", kind.String())
	}
	return log
}

// WithSession annotates the logger with a session id when available.
func WithSession(log pslog.Logger, sessionID schema.SessionID) pslog.Logger {
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}

// WithSessionChecker annotates the context logger with session and checker,
// skipping fields the context already marks as present.
func WithSessionChecker(ctx context.Context, sessionID schema.SessionID, kind schema.CheckerKind) pslog.Logger {
	log := pslog.Ctx(ctx)
	if current, ok := ctx.Value(sessionKey).(schema.SessionID); !ok || current != sessionID {
		log = WithSession(log, sessionID)
	}
	if current, ok := ctx.Value(checkerKey).(schema.CheckerKind); !ok || current != kind {
		log = WithChecker(log, kind)
	}
	return log
}

// WithInvocation annotates the logger with a command line.
func WithInvocation(log pslog.Logger, command string, args []string) pslog.Logger {
	if command != "" {
		log = log.With("command", command)
	}
	if len(args) > 0 {
		log = log.With("args", args)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithChecker stores the checker marker on the context for log de-duplication.
func ContextWithChecker(ctx context.Context, kind schema.CheckerKind) context.Context {
	if ctx == nil || !kind.Valid() {
		return ctx
	}
	return context.WithValue(ctx, checkerKey, kind)
}

// ContextWithSessionLogger attaches a session-annotated logger and the
// session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, WithSession(log, sessionID))
	return ContextWithSession(ctx, sessionID)
}
