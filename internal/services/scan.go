package services

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// scan runs fn over ids with at most ScanConcurrency escrows in flight and
// returns how many fn reported as changed. A failure on one escrow is
// logged and does not stop the others.
func (s *EscrowService) scan(ctx context.Context, name string, ids []uuid.UUID, fn func(context.Context, uuid.UUID) (bool, error)) (int, error) {
	limit := s.cfg.ScanConcurrency
	if limit <= 0 {
		limit = 1
	}
	changed := make([]bool, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, id := range ids {
		g.Go(func() error {
			ok, err := fn(gctx, id)
			if err != nil {
				s.log.Warn("scan item failed",
					zap.String("scan", name),
					zap.String("escrow_id", id.String()),
					zap.Error(err),
				)
				s.metrics.ScanProcessed(name, false)
				return nil
			}
			changed[i] = ok
			s.metrics.ScanProcessed(name, true)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range changed {
		if ok {
			n++
		}
	}
	return n, ctx.Err()
}
