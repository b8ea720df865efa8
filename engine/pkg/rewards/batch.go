package rewards

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
	"github.com/malbeclabs/incentives/engine/pkg/metrics"
	"github.com/shopspring/decimal"
)

// BatchDistribute distributes every reward in ids or none of them. The pool
// must cover the sum of all amounts, the payouts go to the token ledger as a
// single all-or-nothing batch, and the first failing element aborts the batch
// with its index in the error.
func (l *Ledger) BatchDistribute(ctx context.Context, ids []uuid.UUID) (err error) {
	defer func(start time.Time) { l.observe("batch_distribute", start, err) }(time.Now())

	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleDistributor); err != nil {
		return err
	}
	if _, err := incentive.CheckNotPaused(ctx, l.cfg.Configs); err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	// Resolve operators up front so the whole batch can be locked at once.
	operators := make([]string, 0, len(ids))
	err = l.cfg.Store.View(ctx, func(tx Tx) error {
		for i, id := range ids {
			rec, err := tx.Reward(ctx, id)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			operators = append(operators, rec.OperatorID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	unlock := l.cfg.Locks.LockMany(operators)
	defer unlock()

	var (
		records []Record
		total   = decimal.Zero
	)
	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		records = records[:0]
		total = decimal.Zero
		var (
			payments []incentive.Payment
			items    []int
		)
		now := l.cfg.Clock.Now().UTC()
		for i, id := range ids {
			rec, err := l.markDistributed(ctx, tx, id, now)
			if err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			records = append(records, rec)
			total = total.Add(rec.Amount)
			if rec.Amount.IsPositive() {
				payments = append(payments, payment(rec))
				items = append(items, i)
			}
		}
		if err := l.cfg.Payer.EnsureAvailable(ctx, total); err != nil {
			return err
		}
		if err := l.cfg.Payer.PayAll(ctx, payments); err != nil {
			var terr *incentive.TransferError
			if errors.As(err, &terr) && terr.Index < len(items) {
				return fmt.Errorf("batch item %d: %w", items[terr.Index], err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.RecordTokens(ledgerName, "distributed", total)
	l.log.Info("rewards/ledger: batch distributed", "count", len(records), "amount", total)
	return nil
}

// BatchSlash applies every slash in reqs or none of them.
func (l *Ledger) BatchSlash(ctx context.Context, reqs []SlashRequest) (err error) {
	defer func(start time.Time) { l.observe("batch_slash", start, err) }(time.Now())

	if err := incentive.Require(ctx, l.cfg.Authorizer, incentive.RoleAdmin); err != nil {
		return err
	}
	if _, err := incentive.CheckNotPaused(ctx, l.cfg.Configs); err != nil {
		return err
	}
	operators := make([]string, 0, len(reqs))
	for i, req := range reqs {
		if err := l.validateSlash(ctx, req); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
		operators = append(operators, req.OperatorID)
	}
	if len(reqs) == 0 {
		return nil
	}

	unlock := l.cfg.Locks.LockMany(operators)
	defer unlock()

	total := decimal.Zero
	err = l.cfg.Store.Update(ctx, func(tx Tx) error {
		total = decimal.Zero
		now := l.cfg.Clock.Now().UTC()
		for i, req := range reqs {
			if _, err := l.slash(ctx, tx, req, now); err != nil {
				return fmt.Errorf("batch item %d: %w", i, err)
			}
			total = total.Add(req.Amount)
		}
		return nil
	})
	if err != nil {
		return err
	}

	metrics.RecordTokens(ledgerName, "slashed", total)
	l.log.Warn("rewards/ledger: batch slashed", "count", len(reqs), "amount", total)
	return nil
}
