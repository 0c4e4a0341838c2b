package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// BudgetTracker tracks monthly spend per tenant via Redis. A nil client
// disables tracking (all tenants look unspent), and Redis errors fail open:
// budget bookkeeping must never block serving.
type BudgetTracker struct {
	rdb *redis.Client
}

func NewBudgetTracker(rdb *redis.Client) *BudgetTracker {
	return &BudgetTracker{rdb: rdb}
}

func monthlyBudgetKey(tenant string) string {
	month := time.Now().UTC().Format("2006-01")
	return fmt.Sprintf("hive:budget:monthly:%s:%s", tenant, month)
}

// SpentUSD returns the tenant's spend so far this month.
func (b *BudgetTracker) SpentUSD(ctx context.Context, tenant string) float64 {
	if b.rdb == nil {
		return 0
	}
	spent, err := b.rdb.Get(ctx, monthlyBudgetKey(tenant)).Float64()
	if err != nil {
		return 0
	}
	return spent
}

// SpentFraction returns spend as a fraction of the tenant's monthly budget,
// clamped to [0,1]. A zero budget disables adjustment and reports 0.
func (b *BudgetTracker) SpentFraction(ctx context.Context, tenant string, budgetUSD float64) float64 {
	if budgetUSD <= 0 {
		return 0
	}
	frac := b.SpentUSD(ctx, tenant) / budgetUSD
	if frac > 1 {
		return 1
	}
	return frac
}

// RecordSpend adds cost to the tenant's monthly spend counter.
func (b *BudgetTracker) RecordSpend(ctx context.Context, tenant string, costUSD float64) error {
	if b.rdb == nil || costUSD <= 0 {
		return nil
	}

	key := monthlyBudgetKey(tenant)
	pipe := b.rdb.Pipeline()
	pipe.IncrByFloat(ctx, key, costUSD)
	// Expire at end of month UTC + 1 day buffer
	now := time.Now().UTC()
	endOfMonth := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	pipe.Expire(ctx, key, endOfMonth.Sub(now)+24*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}
