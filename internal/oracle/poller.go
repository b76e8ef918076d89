package oracle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/tonsurance/escrow-engine/internal/metrics"
	"github.com/tonsurance/escrow-engine/internal/models"
	"github.com/tonsurance/escrow-engine/internal/repositories"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// TargetLister lists unverified oracle conditions on active escrows.
type TargetLister interface {
	ListPendingOracleConditions(ctx context.Context, limit int) ([]repositories.OracleTarget, error)
}

// FactSubmitter applies an observed value to a condition.
type FactSubmitter interface {
	SubmitOracleFact(ctx context.Context, conditionID uuid.UUID, observed string, observedAt time.Time) (*models.EscrowAggregate, error)
}

// ValueFetcher is implemented by Fetcher.
type ValueFetcher interface {
	FetchValue(ctx context.Context, endpoint string) (string, error)
}

// Poller fetches every pending oracle condition and submits what it saw.
// Fetching happens before the escrow is touched; a failed fetch leaves the
// condition unmet until the next poll.
type Poller struct {
	targets     TargetLister
	fetcher     ValueFetcher
	submitter   FactSubmitter
	metrics     *metrics.Metrics
	log         *zap.Logger
	batch       int
	concurrency int
}

func NewPoller(targets TargetLister, fetcher ValueFetcher, submitter FactSubmitter, m *metrics.Metrics, batch, concurrency int, log *zap.Logger) *Poller {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Poller{
		targets:     targets,
		fetcher:     fetcher,
		submitter:   submitter,
		metrics:     m,
		log:         log,
		batch:       batch,
		concurrency: concurrency,
	}
}

// Poll runs one pass and returns the number of facts submitted.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	targets, err := p.targets.ListPendingOracleConditions(ctx, p.batch)
	if err != nil {
		return 0, err
	}

	submitted := make([]bool, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, target := range targets {
		g.Go(func() error {
			submitted[i] = p.pollOne(gctx, target)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	n := 0
	for _, ok := range submitted {
		if ok {
			n++
		}
	}
	return n, nil
}

func (p *Poller) pollOne(ctx context.Context, target repositories.OracleTarget) bool {
	value, err := p.fetcher.FetchValue(ctx, target.Endpoint)
	p.metrics.OracleFetch(err == nil)
	if err != nil {
		p.log.Warn("oracle fetch failed",
			zap.String("condition_id", target.ConditionID.String()),
			zap.String("endpoint", target.Endpoint),
			zap.Error(err),
		)
		return false
	}

	if _, err := p.submitter.SubmitOracleFact(ctx, target.ConditionID, value, time.Now().UTC()); err != nil {
		p.log.Warn("oracle fact rejected",
			zap.String("condition_id", target.ConditionID.String()),
			zap.String("escrow_id", target.EscrowID.String()),
			zap.Error(err),
		)
		return false
	}
	return true
}
