package refill

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pollen_ledger/internal/logging"
	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/tiers"
	"pollen_ledger/internal/utils"
)

// Store is the slice of the user repository the scheduler needs.
type Store interface {
	CountStaleTiered(ctx context.Context, dayStart time.Time) (int64, error)
	RefillTierBalances(ctx context.Context, tiers []models.Tier, allowances []decimal.Decimal, dayStart, now time.Time) (map[models.Tier]int64, error)
}

// TierCount is the number of users of one tier refilled by a run.
type TierCount struct {
	Tier      models.Tier     `json:"tier"`
	Users     int64           `json:"users"`
	Allowance decimal.Decimal `json:"allowance"`
}

// Result describes one Trigger call.
type Result struct {
	Skipped  bool        `json:"skipped"`
	DayStart time.Time   `json:"day_start"`
	Counts   []TierCount `json:"counts,omitempty"`
}

// Total returns the number of users refilled
func (r Result) Total() int64 {
	var n int64
	for _, c := range r.Counts {
		n += c.Users
	}
	return n
}

// Scheduler resets every tiered user's tier balance to its allowance once
// per UTC day. Unused allowance does not roll over.
type Scheduler struct {
	store    Store
	catalog  *tiers.Catalog
	sink     logging.Sink
	metrics  *metrics.Metrics
	interval time.Duration
	logger   *utils.Logger
	now      func() time.Time

	// serializes Trigger within this process; the SQL guard covers replicas
	mu sync.Mutex
}

// NewScheduler creates a refill scheduler
func NewScheduler(store Store, catalog *tiers.Catalog, sink logging.Sink, m *metrics.Metrics, interval time.Duration) *Scheduler {
	if sink == nil {
		sink = logging.NewNoopSink()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Scheduler{
		store:    store,
		catalog:  catalog,
		sink:     sink,
		metrics:  m,
		interval: interval,
		logger:   utils.NewLogger("refill"),
		now:      time.Now,
	}
}

// DayStart returns midnight UTC of the day containing t
func DayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Trigger refills every tiered user not yet granted today. Calling it again
// on the same UTC day is a no-op reported as Skipped.
func (s *Scheduler) Trigger(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	dayStart := DayStart(now)
	result := Result{DayStart: dayStart}

	stale, err := s.store.CountStaleTiered(ctx, dayStart)
	if err != nil {
		s.metrics.ObserveRefill("error", nil)
		return Result{}, fmt.Errorf("failed to check refill gate: %w", err)
	}
	if stale == 0 {
		result.Skipped = true
		s.metrics.ObserveRefill("skipped", nil)
		s.logger.Debug("refill skipped, already granted today", "day", dayStart.Format("2006-01-02"))
		return result, nil
	}

	tierList, allowances := s.catalog.Allowances()
	counts, err := s.store.RefillTierBalances(ctx, tierList, allowances, dayStart, now)
	if err != nil {
		s.metrics.ObserveRefill("error", nil)
		return Result{}, fmt.Errorf("failed to refill tier balances: %w", err)
	}

	byTier := make(map[string]int64, len(counts))
	for tier, users := range counts {
		result.Counts = append(result.Counts, TierCount{
			Tier:      tier,
			Users:     users,
			Allowance: s.catalog.Allowance(tier),
		})
		byTier[string(tier)] = users
	}
	sort.Slice(result.Counts, func(i, j int) bool {
		return result.Counts[i].Tier.Rank() < result.Counts[j].Tier.Rank()
	})

	s.metrics.ObserveRefill("refilled", byTier)
	for _, c := range result.Counts {
		s.logger.Info("tier balances refilled",
			"tier", string(c.Tier),
			"users", c.Users,
			"allowance", c.Allowance.String(),
			"day", dayStart.Format("2006-01-02"),
		)
		rec := &models.Record{
			Kind:      "refill",
			Bucket:    models.BucketTier,
			Amount:    c.Allowance,
			ToTier:    c.Tier,
			Users:     c.Users,
			Outcome:   models.OutcomeApplied,
			Timestamp: now,
		}
		if err := s.sink.Enqueue(rec); err != nil {
			s.logger.Warn("failed to record refill", "tier", string(c.Tier), "error", err)
		}
	}

	return result, nil
}

// Run triggers a refill immediately and then on every interval tick until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("refill scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("refill scheduler stopped")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.Trigger(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("refill failed", "error", err)
	}
}
