package tiers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"pollen_ledger/internal/logging"
	"pollen_ledger/internal/metrics"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/utils"
)

// Store is the slice of the user repository the guard writes through.
type Store interface {
	Get(ctx context.Context, id string) (*models.LedgerUser, error)
	UpgradeTier(ctx context.Context, id string, target models.Tier, lower []models.Tier, allowance decimal.Decimal, now time.Time) (bool, error)
	SetTier(ctx context.Context, id string, target models.Tier, allowance decimal.Decimal, now time.Time) error
}

// Publisher hands tier changes to the subscription mirror.
type Publisher interface {
	Enqueue(ctx context.Context, job models.MirrorJob) error
}

// Transition describes what a request did.
type Transition struct {
	UserID  string         `json:"user_id"`
	From    models.Tier    `json:"from_tier,omitempty"`
	To      models.Tier    `json:"to_tier"`
	Trigger models.Trigger `json:"trigger"`
	Outcome models.Outcome `json:"outcome"`
}

// Guard is the only writer of a user's tier. Automated (system) requests
// can only raise a tier; operators can set any tier.
type Guard struct {
	store       Store
	catalog     *Catalog
	publisher   Publisher
	sink        logging.Sink
	metrics     *metrics.Metrics
	trust       *TrustPolicy
	environment string
	logger      *utils.Logger
	now         func() time.Time
}

// NewGuard creates a transition guard. publisher, sink and m may be nil.
func NewGuard(store Store, catalog *Catalog, publisher Publisher, sink logging.Sink, m *metrics.Metrics, environment string) *Guard {
	if sink == nil {
		sink = logging.NewNoopSink()
	}
	return &Guard{
		store:       store,
		catalog:     catalog,
		publisher:   publisher,
		sink:        sink,
		metrics:     m,
		environment: environment,
		logger:      utils.NewLogger("tier-guard"),
		now:         time.Now,
	}
}

// WithTrustPolicy enables ApplyTrustScore
func (g *Guard) WithTrustPolicy(p *TrustPolicy) *Guard {
	g.trust = p
	return g
}

// RequestUpgrade moves userID to target. For TriggerSystem the move only
// happens when target ranks strictly above the current tier, and the
// result is OutcomeSkipUpgrade otherwise. TriggerOperator always applies.
// An accepted move resets the tier balance to the target's allowance and
// is mirrored to the subscription platform.
func (g *Guard) RequestUpgrade(ctx context.Context, userID string, target models.Tier, trigger models.Trigger) (Transition, error) {
	if !target.IsValid() {
		return Transition{}, fmt.Errorf("%w: %q", models.ErrUnknownTier, string(target))
	}
	if !trigger.IsValid() {
		return Transition{}, fmt.Errorf("%w: %q", ErrInvalidTrigger, string(trigger))
	}

	user, err := g.store.Get(ctx, userID)
	if err != nil {
		return Transition{}, err
	}

	t := Transition{UserID: userID, From: user.CurrentTier(), To: target, Trigger: trigger}
	allowance := g.catalog.Allowance(target)
	now := g.now().UTC()

	switch trigger {
	case models.TriggerSystem:
		changed, err := g.store.UpgradeTier(ctx, userID, target, target.Below(), allowance, now)
		if err != nil {
			return Transition{}, fmt.Errorf("failed to upgrade tier: %w", err)
		}
		if !changed {
			t.Outcome = models.OutcomeSkipUpgrade
			g.record(t, "current tier at or above target")
			return t, nil
		}
	case models.TriggerOperator:
		if err := g.store.SetTier(ctx, userID, target, allowance, now); err != nil {
			return Transition{}, fmt.Errorf("failed to set tier: %w", err)
		}
	}

	t.Outcome = models.OutcomeUpgraded
	g.record(t, "")
	g.mirror(ctx, t, now)
	return t, nil
}

// ApplyTrustScore upgrades userID to the highest tier its score earns. A
// score that earns nothing, or nothing above the current tier, yields
// OutcomeSkipUpgrade.
func (g *Guard) ApplyTrustScore(ctx context.Context, userID string, score float64) (Transition, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
		return Transition{}, fmt.Errorf("%w: %v", ErrInvalidScore, score)
	}
	if g.trust == nil {
		return Transition{UserID: userID, Trigger: models.TriggerSystem, Outcome: models.OutcomeSkipUpgrade}, nil
	}

	target, ok := g.trust.TierFor(score)
	if !ok {
		g.logger.Debug("trust score below every threshold", "user_id", userID, "score", score)
		return Transition{UserID: userID, Trigger: models.TriggerSystem, Outcome: models.OutcomeSkipUpgrade}, nil
	}
	return g.RequestUpgrade(ctx, userID, target, models.TriggerSystem)
}

// mirror enqueues the platform update. Failures are logged only; the local
// change stands and reconciliation repairs the platform side.
func (g *Guard) mirror(ctx context.Context, t Transition, now time.Time) {
	if g.publisher == nil {
		return
	}
	product, err := g.catalog.ProductID(t.To, g.environment)
	if err != nil {
		if !errors.Is(err, ErrNoProduct) {
			g.logger.Error("failed to resolve product", "user_id", t.UserID, "tier", t.To, "error", err)
		}
		return
	}

	job := models.MirrorJob{
		UserID:    t.UserID,
		Tier:      t.To,
		ProductID: product,
		Trigger:   t.Trigger,
		CreatedAt: now,
	}
	if err := g.publisher.Enqueue(ctx, job); err != nil {
		g.logger.Error("failed to enqueue subscription mirror", "user_id", t.UserID, "tier", t.To, "error", err)
	}
}

func (g *Guard) record(t Transition, reason string) {
	g.metrics.ObserveTransition(string(t.Trigger), string(t.Outcome))

	if t.Outcome == models.OutcomeUpgraded {
		g.logger.Info("tier changed", "user_id", t.UserID, "from", t.From, "to", t.To, "trigger", t.Trigger)
	} else {
		g.logger.Info("tier change skipped", "user_id", t.UserID, "from", t.From, "to", t.To, "reason", reason)
	}

	rec := &models.Record{
		Kind:      "tier_transition",
		UserID:    t.UserID,
		Outcome:   t.Outcome,
		Reason:    reason,
		FromTier:  t.From,
		ToTier:    t.To,
		Trigger:   t.Trigger,
		Timestamp: g.now().UTC(),
	}
	if err := g.sink.Enqueue(rec); err != nil {
		g.logger.Warn("failed to record tier transition", "error", err)
	}
}
