package relayer

import (
	"context"

	"github.com/pegbridge/escrow/errs"
	"github.com/pegbridge/escrow/internal/observability"
)

// Sweep expires every trade and request that has been pending longer than the
// configured TTL, on both sides. Trade expiry runs as one batch per engine;
// request expiries fan out over the worker pool because each one moves assets.
func (r *Relayer) Sweep(ctx context.Context) {
	cutoff := r.cfg.Now().Add(-r.cfg.PendingTTL)

	for _, side := range r.sides {
		side := side

		if stale := side.Engine.PendingTrades(cutoff); len(stale) > 0 {
			ids := make([]string, 0, len(stale))
			for _, trade := range stale {
				ids = append(ids, trade.ID)
			}
			err := r.withRetry(ctx, func() error {
				return side.Engine.BatchExpireTrades(r.cfg.Account, ids)
			})
			if err != nil {
				r.fail("sweep_trades", err)
			} else {
				r.count("sweep_trades", "success")
			}
		}

		for _, req := range side.Engine.PendingRequests(cutoff) {
			requestID := req.ID
			err := r.pool.Dispatch(ctx, func(taskCtx context.Context) error {
				err := r.withRetry(taskCtx, func() error {
					return side.Engine.ExpireRequest(r.cfg.Account, requestID)
				})
				if err != nil && !errs.IsCode(err, errs.CodeInvalidState) {
					r.fail("sweep_request", err)
					return err
				}
				r.count("sweep_request", "success")
				return nil
			})
			if err != nil {
				observability.Log().Error("sweep request submission refused",
					observability.String("request_id", requestID),
					observability.Err(err))
			}
		}
	}
}
