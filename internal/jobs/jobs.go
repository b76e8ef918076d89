// Package jobs registers the engine's background passes on a scheduler.
package jobs

import (
	"context"

	"github.com/tonsurance/escrow-engine/internal/config"
	"github.com/tonsurance/escrow-engine/internal/oracle"
	"github.com/tonsurance/escrow-engine/internal/scheduler"
	"github.com/tonsurance/escrow-engine/internal/services"
)

// Job names
const (
	TimeoutScan       = "timeout_scan"
	TimeConditions    = "time_conditions"
	DisputeEscalation = "dispute_escalation"
	OraclePoll        = "oracle_poll"
	PayoutDispatch    = "payout_dispatch"
)

type Deps struct {
	Timeouts *services.TimeoutService
	Disputes *services.DisputeService
	Payouts  *services.PayoutDispatcher
	Oracle   *oracle.Poller // nil disables oracle polling
}

// Register adds every background job to r. The timeout scan, the time
// condition sweep and the payout outbox share the timeout scan interval.
func Register(r *scheduler.Runner, d Deps, cfg *config.Config) error {
	scan := cfg.TimeoutScanInterval
	if err := r.Add(TimeoutScan, scan, d.Timeouts.ScanTimeouts); err != nil {
		return err
	}
	if err := r.Add(TimeConditions, scan, d.Timeouts.SweepTimeConditions); err != nil {
		return err
	}
	if err := r.Add(DisputeEscalation, scan, d.Disputes.EscalateStale); err != nil {
		return err
	}
	if err := r.Add(PayoutDispatch, scan, func(ctx context.Context) (int, error) {
		return d.Payouts.DispatchPending(ctx, cfg.TimeoutScanBatch)
	}); err != nil {
		return err
	}
	if d.Oracle != nil {
		if err := r.Add(OraclePoll, cfg.OraclePollInterval, d.Oracle.Poll); err != nil {
			return err
		}
	}
	return nil
}
