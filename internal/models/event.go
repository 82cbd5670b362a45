package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider identifies an external billing platform.
type Provider string

const (
	ProviderPolar       Provider = "polar"
	ProviderStripe      Provider = "stripe"
	ProviderNOWPayments Provider = "nowpayments"
)

// Bucket is the balance a credit is applied to. Tier balance is only ever
// set by the refill scheduler and tier transitions, never credited.
type Bucket string

const (
	BucketTier   Bucket = "tier"
	BucketPack   Bucket = "pack"
	BucketCrypto Bucket = "crypto"
)

// Trigger records who asked for a tier transition.
type Trigger string

const (
	TriggerSystem   Trigger = "system"
	TriggerOperator Trigger = "operator"
)

func (t Trigger) IsValid() bool {
	return t == TriggerSystem || t == TriggerOperator
}

// Outcome is the result of processing one inbound event.
type Outcome string

const (
	OutcomeApplied        Outcome = "applied"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
	OutcomeBelowThreshold Outcome = "below_threshold"
	OutcomeUserNotFound   Outcome = "user_not_found"
	OutcomeSkipUpgrade    Outcome = "skip_upgrade"
	OutcomeUpgraded       Outcome = "upgraded"

	// Rejections. These never reach the ledger.
	OutcomeSignatureInvalid Outcome = "signature_invalid"
	OutcomeMalformed        Outcome = "malformed"
	OutcomeStale            Outcome = "stale"
	OutcomeFailed           Outcome = "failed"
)

// LedgerEvent is a verified, normalized credit request.
type LedgerEvent struct {
	// EventID is the provider-scoped idempotency identity.
	EventID string `json:"event_id"`
	// Scope namespaces the marker key. Empty means webhook_processed;
	// session-style locks use their purpose, e.g. checkout_session.
	Scope      string          `json:"scope,omitempty"`
	Provider   Provider        `json:"provider"`
	UserID     string          `json:"user_id"`
	Bucket     Bucket          `json:"bucket"`
	Amount     decimal.Decimal `json:"amount"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Record is one entry shipped to the analytics sink. The sink is
// write-only; nothing in the service reads records back.
type Record struct {
	Kind      string          `json:"kind"` // webhook, refill, tier_transition, reconcile
	Provider  Provider        `json:"provider,omitempty"`
	EventID   string          `json:"event_id,omitempty"`
	EventType string          `json:"event_type,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	Bucket    Bucket          `json:"bucket,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Outcome   Outcome         `json:"outcome,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	FromTier  Tier            `json:"from_tier,omitempty"`
	ToTier    Tier            `json:"to_tier,omitempty"`
	Trigger   Trigger         `json:"trigger,omitempty"`
	Users     int64           `json:"users,omitempty"`
	Digest    string          `json:"digest,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// MarkerState is the lifecycle state of an idempotency marker.
type MarkerState string

const (
	MarkerProcessing MarkerState = "processing"
	MarkerProcessed  MarkerState = "processed"
)

// Marker is the value stored under a processed idempotency key.
type Marker struct {
	State       MarkerState     `json:"state"`
	EventID     string          `json:"event_id"`
	UserID      string          `json:"user_id"`
	Bucket      Bucket          `json:"bucket"`
	Amount      decimal.Decimal `json:"amount"`
	ProcessedAt time.Time       `json:"processed_at"`
}

// MirrorJob asks the subscription platform to reflect a local tier change.
type MirrorJob struct {
	UserID    string    `json:"user_id"`
	Tier      Tier      `json:"tier"`
	ProductID string    `json:"product_id"`
	Trigger   Trigger   `json:"trigger"`
	CreatedAt time.Time `json:"created_at"`
}
