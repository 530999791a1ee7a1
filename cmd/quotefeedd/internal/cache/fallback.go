package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Fallback prefers a shared primary store (Redis) but degrades to an
// ephemeral in-process store when the primary is unreachable, so that
// ingestion and broadcast keep working through a cache outage. Writes
// always land in both stores; the local copy is what Get falls back to.
type Fallback struct {
	primary Store
	local   *Memory
	logger  *zap.Logger
}

var _ Store = (*Fallback)(nil)

func NewFallback(primary Store, local *Memory, logger *zap.Logger) *Fallback {
	return &Fallback{primary: primary, local: local, logger: logger}
}

func (f *Fallback) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := f.local.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := f.primary.Set(ctx, key, value, ttl); err != nil {
		f.logger.Warn("primary cache set failed, serving from local store",
			zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (f *Fallback) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, ok, err := f.primary.Get(ctx, key)
	if err == nil {
		return b, ok, nil
	}
	f.logger.Warn("primary cache get failed, serving from local store",
		zap.String("key", key), zap.Error(err))
	return f.local.Get(ctx, key)
}

func (f *Fallback) Delete(ctx context.Context, key string) error {
	if err := f.local.Delete(ctx, key); err != nil {
		return err
	}
	if err := f.primary.Delete(ctx, key); err != nil {
		f.logger.Warn("primary cache delete failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}
