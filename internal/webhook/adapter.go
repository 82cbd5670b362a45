package webhook

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"pollen_ledger/internal/models"
)

// Action is what an adapter decided a verified event asks for.
type Action int

const (
	// ActionIgnore acknowledges the event without touching the ledger.
	ActionIgnore Action = iota
	// ActionCredit applies Parsed.Credit through the event applier.
	ActionCredit
	// ActionUpgrade requests an automated tier upgrade.
	ActionUpgrade
	// ActionBelowThreshold acknowledges an underpaid crypto payment. No
	// marker is taken so a later completion still credits.
	ActionBelowThreshold
)

// Parsed is the provider-neutral result of parsing a verified payload.
type Parsed struct {
	EventID   string
	EventType string
	Action    Action
	UserID    string

	Credit models.LedgerEvent // ActionCredit
	Tier   models.Tier        // ActionUpgrade
	Reason string             // ActionIgnore, ActionBelowThreshold
}

// Adapter turns one provider's webhook deliveries into ledger decisions.
type Adapter interface {
	Provider() models.Provider

	// VerifySignature returns ErrSignatureInvalid (or ErrStale, for
	// providers whose verifier checks both at once).
	VerifySignature(body []byte, headers http.Header, now time.Time) error

	// VerifyFreshness returns ErrStale when the signed timestamp is outside
	// the tolerance. Providers without a timestamp return nil.
	VerifyFreshness(headers http.Header, now time.Time) error

	// Parse returns ErrPayloadMalformed for bodies it cannot interpret.
	Parse(body []byte, headers http.Header, now time.Time) (Parsed, error)
}

func ignore(eventID, eventType, reason string) Parsed {
	return Parsed{EventID: eventID, EventType: eventType, Action: ActionIgnore, Reason: reason}
}

func credit(eventType string, event models.LedgerEvent) Parsed {
	return Parsed{
		EventID:   event.EventID,
		EventType: eventType,
		Action:    ActionCredit,
		UserID:    event.UserID,
		Credit:    event,
	}
}

// positiveUnits parses a unit count that must be strictly positive.
func positiveUnits(raw string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(raw)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, false
	}
	return d, true
}
