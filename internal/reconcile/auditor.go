package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pollen_ledger/internal/config"
	"pollen_ledger/internal/logging"
	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/platform"
	"pollen_ledger/internal/tiers"
	"pollen_ledger/internal/utils"
)

// Status classifies one user's local tier against the platform.
type Status string

const (
	StatusMatch           Status = "match"
	StatusMismatch        Status = "mismatch"
	StatusMissingExternal Status = "missing_external"
	StatusError           Status = "error"
)

// Store pages through users by tier.
type Store interface {
	ListByTiers(ctx context.Context, tiers []models.Tier, afterID string, limit int) ([]*models.LedgerUser, error)
}

// Upgrader applies local tier repairs.
type Upgrader interface {
	RequestUpgrade(ctx context.Context, userID string, target models.Tier, trigger models.Trigger) (tiers.Transition, error)
}

// Entry is one audited user.
type Entry struct {
	UserID          string      `json:"user_id"`
	LocalTier       models.Tier `json:"local_tier"`
	ExternalTier    models.Tier `json:"external_tier,omitempty"`
	ExternalProduct string      `json:"external_product,omitempty"`
	Status          Status      `json:"status"`
	Error           string      `json:"error,omitempty"`
}

// Report is the result of one drift scan, ordered by user ID.
type Report struct {
	Entries    []Entry        `json:"entries"`
	Counts     map[Status]int `json:"counts"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Drifted returns entries that are neither matches nor errors.
func (r Report) Drifted() []Entry {
	var out []Entry
	for _, e := range r.Entries {
		if e.Status == StatusMismatch || e.Status == StatusMissingExternal {
			out = append(out, e)
		}
	}
	return out
}

// Repair moves the lagging side of a drifted user up to Target.
type Repair struct {
	UserID  string      `json:"user_id"`
	Target  models.Tier `json:"target"`
	Local   bool        `json:"local"`             // raise the local tier
	Product string      `json:"product,omitempty"` // push this product to the platform
}

// RepairFailure is a repair that could not be applied.
type RepairFailure struct {
	Repair Repair `json:"repair"`
	Error  string `json:"error"`
}

// ApplyResult summarises ApplyRepairs.
type ApplyResult struct {
	Applied int             `json:"applied"`
	Skipped int             `json:"skipped"`
	Failed  []RepairFailure `json:"failed,omitempty"`
}

// Auditor compares paid local tiers with the subscription platform. The
// platform mirror is best effort; this is the backstop that finds and
// repairs what the mirror lost.
type Auditor struct {
	store       Store
	client      platform.SubscriptionClient
	catalog     *tiers.Catalog
	upgrader    Upgrader
	environment string
	concurrency int
	pageSize    int
	sink        logging.Sink
	metrics     *metrics.Metrics
	logger      *utils.Logger
	now         func() time.Time
}

// NewAuditor creates a reconciliation auditor. sink and m may be nil.
func NewAuditor(store Store, client platform.SubscriptionClient, catalog *tiers.Catalog, upgrader Upgrader, environment string, cfg config.ReconcileConfig, sink logging.Sink, m *metrics.Metrics) *Auditor {
	if sink == nil {
		sink = logging.NewNoopSink()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	return &Auditor{
		store:       store,
		client:      client,
		catalog:     catalog,
		upgrader:    upgrader,
		environment: environment,
		concurrency: cfg.Concurrency,
		pageSize:    cfg.PageSize,
		sink:        sink,
		metrics:     m,
		logger:      utils.NewLogger("reconcile"),
		now:         time.Now,
	}
}

// DetectDrift scans every user on a paid tier. A failed platform lookup
// marks that user as StatusError and the scan continues; only a failure
// to read local users aborts it.
func (a *Auditor) DetectDrift(ctx context.Context) (Report, error) {
	report := Report{Counts: make(map[Status]int), StartedAt: a.now().UTC()}
	paid := a.catalog.PaidTiers()
	if len(paid) == 0 {
		report.FinishedAt = a.now().UTC()
		return report, nil
	}

	afterID := ""
	for {
		users, err := a.store.ListByTiers(ctx, paid, afterID, a.pageSize)
		if err != nil {
			return Report{}, fmt.Errorf("failed to list users: %w", err)
		}
		if len(users) == 0 {
			break
		}

		entries, err := a.classifyPage(ctx, users)
		if err != nil {
			return Report{}, err
		}
		report.Entries = append(report.Entries, entries...)

		afterID = users[len(users)-1].ID
		if len(users) < a.pageSize {
			break
		}
	}

	for _, e := range report.Entries {
		report.Counts[e.Status]++
		a.metrics.ObserveDrift(string(e.Status))
		if e.Status != StatusMatch {
			a.record(e)
		}
	}
	report.FinishedAt = a.now().UTC()

	a.logger.Info("drift scan finished",
		"users", len(report.Entries),
		"match", report.Counts[StatusMatch],
		"mismatch", report.Counts[StatusMismatch],
		"missing_external", report.Counts[StatusMissingExternal],
		"error", report.Counts[StatusError],
	)
	return report, nil
}

func (a *Auditor) classifyPage(ctx context.Context, users []*models.LedgerUser) ([]Entry, error) {
	entries := make([]Entry, len(users))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for i, u := range users {
		g.Go(func() error {
			entries[i] = a.classify(gctx, u)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
	return entries, nil
}

func (a *Auditor) classify(ctx context.Context, u *models.LedgerUser) Entry {
	e := Entry{UserID: u.ID, LocalTier: u.CurrentTier()}

	sub, err := a.client.GetActiveSubscription(ctx, u.ID)
	switch {
	case errors.Is(err, platform.ErrNotFound):
		e.Status = StatusMissingExternal
		return e
	case err != nil:
		e.Status = StatusError
		e.Error = err.Error()
		a.logger.Warn("platform lookup failed", "user_id", u.ID, "error", err)
		return e
	}

	e.ExternalProduct = sub.ProductID
	if tier, ok := a.catalog.TierForProduct(sub.ProductID, a.environment); ok {
		e.ExternalTier = tier
	}
	if e.ExternalTier == e.LocalTier {
		e.Status = StatusMatch
	} else {
		e.Status = StatusMismatch
	}
	return e
}

// ProposeRepairs targets the higher of the two tiers for every drifted user
// and never proposes a downgrade on either side.
func (a *Auditor) ProposeRepairs(report Report) []Repair {
	var repairs []Repair
	for _, e := range report.Drifted() {
		target := models.HigherTier(e.LocalTier, e.ExternalTier)
		if !target.IsValid() {
			continue
		}
		r := Repair{UserID: e.UserID, Target: target}

		if target.Rank() > e.LocalTier.Rank() {
			r.Local = true
		}
		if e.Status == StatusMissingExternal || target.Rank() > e.ExternalTier.Rank() {
			product, err := a.catalog.ProductID(target, a.environment)
			if err != nil {
				a.logger.Warn("no product for repair target", "user_id", e.UserID, "tier", target, "error", err)
			} else {
				r.Product = product
			}
		}

		if r.Local || r.Product != "" {
			repairs = append(repairs, r)
		}
	}
	return repairs
}

// ApplyRepairs writes the proposed repairs. Nothing is written unless
// confirmed is true. Local upgrades go through the tier guard with the
// system trigger, so a repair can never lower a tier that moved meanwhile.
func (a *Auditor) ApplyRepairs(ctx context.Context, repairs []Repair, confirmed bool) (ApplyResult, error) {
	if !confirmed {
		return ApplyResult{}, ErrNotConfirmed
	}

	var (
		mu     sync.Mutex
		result ApplyResult
	)
	fail := func(r Repair, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Failed = append(result.Failed, RepairFailure{Repair: r, Error: err.Error()})
		a.logger.Error("repair failed", "user_id", r.UserID, "target", r.Target, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, r := range repairs {
		g.Go(func() error {
			outcome, err := a.applyRepair(gctx, r)
			if err != nil {
				fail(r, err)
				return nil
			}
			mu.Lock()
			if outcome == models.OutcomeSkipUpgrade {
				result.Skipped++
			} else {
				result.Applied++
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Repair.UserID < result.Failed[j].Repair.UserID })
	a.logger.Info("repairs applied", "applied", result.Applied, "skipped", result.Skipped, "failed", len(result.Failed))
	return result, ctx.Err()
}

func (a *Auditor) applyRepair(ctx context.Context, r Repair) (models.Outcome, error) {
	outcome := models.OutcomeApplied

	if r.Local {
		if a.upgrader == nil {
			return "", fmt.Errorf("no tier guard configured")
		}
		t, err := a.upgrader.RequestUpgrade(ctx, r.UserID, r.Target, models.TriggerSystem)
		if err != nil {
			return "", fmt.Errorf("local upgrade: %w", err)
		}
		outcome = t.Outcome
	}

	if r.Product != "" {
		if _, err := a.client.UpsertSubscription(ctx, r.UserID, r.Product); err != nil {
			return "", fmt.Errorf("platform update: %w", err)
		}
		outcome = models.OutcomeApplied
	}
	return outcome, nil
}

func (a *Auditor) record(e Entry) {
	rec := &models.Record{
		Kind:      "reconcile",
		UserID:    e.UserID,
		FromTier:  e.LocalTier,
		ToTier:    e.ExternalTier,
		Reason:    string(e.Status),
		Timestamp: a.now().UTC(),
	}
	if e.Error != "" {
		rec.Reason = string(e.Status) + ": " + e.Error
	}
	if err := a.sink.Enqueue(rec); err != nil {
		a.logger.Warn("failed to record drift", "user_id", e.UserID, "error", err)
	}
}
