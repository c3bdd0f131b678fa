package app

import (
	"context"
	"fmt"

	"conductor/internal/quota"
	"conductor/internal/storage"
	logx "conductor/pkg/logx"
)

// QuotaSummary applies due resets and returns the ledger for display.
func (a *App) QuotaSummary() []quota.KeySummary {
	a.quota.ResetExpired()
	return a.quota.DailySummary()
}

// WatchQuota calls fn with the persisted ledger now and again whenever
// another process rewrites the snapshot. It blocks until ctx is done.
func (a *App) WatchQuota(ctx context.Context, fn func([]quota.KeySummary)) error {
	if a.store == nil {
		return fmt.Errorf("quota watch: %w", storage.ErrDisabled)
	}
	read := func() {
		sum, err := a.readQuota(ctx)
		if err != nil {
			a.log.Warn("quota reload failed", logx.Err(err))
			return
		}
		fn(sum)
	}
	read()
	return storage.Watch(ctx, a.storeCfg.Path, a.log, read)
}

// readQuota builds a throwaway tracker over the store so the reading
// reflects what other processes saved, not this process's in-memory state.
func (a *App) readQuota(ctx context.Context) ([]quota.KeySummary, error) {
	qo := a.quotaOpts
	qo.Store = a.store
	qo.Log = logx.Nop()
	t, err := quota.New(ctx, qo)
	if err != nil {
		return nil, err
	}
	return t.DailySummary(), nil
}
