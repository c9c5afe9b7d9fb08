package log

import (
	"context"
	"math/rand"
	"time"
)

type idKey struct{}

type ID struct {
	ID        uint32
	CreatedAt time.Time
}

// ContextWithNewID tags ctx with a fresh identifier, shown as [id duration]
// in front of every message logged with it.
func ContextWithNewID(ctx context.Context) context.Context {
	return context.WithValue(ctx, (*idKey)(nil), ID{
		ID:        rand.Uint32(),
		CreatedAt: time.Now(),
	})
}

func IDFromContext(ctx context.Context) (ID, bool) {
	if ctx == nil {
		return ID{}, false
	}
	id, loaded := ctx.Value((*idKey)(nil)).(ID)
	return id, loaded
}
