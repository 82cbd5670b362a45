package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"pollen_ledger/internal/models"
)

// CheckoutSessionScope namespaces card credits by checkout session.
const CheckoutSessionScope = "checkout_session"

// StripeAdapter credits pollen packs bought by card. Paid checkout sessions
// credit metadata.pollen_units times the promotional multiplier.
type StripeAdapter struct {
	secret     string
	tolerance  time.Duration
	multiplier decimal.Decimal
}

// NewStripeAdapter creates the card adapter. Paid sessions credit their
// units times multiplier.
func NewStripeAdapter(secret string, tolerance time.Duration, multiplier decimal.Decimal) *StripeAdapter {
	return &StripeAdapter{secret: secret, tolerance: tolerance, multiplier: multiplier}
}

func (a *StripeAdapter) Provider() models.Provider {
	return models.ProviderStripe
}

// VerifySignature also enforces the timestamp tolerance, since stripe-go
// checks both in one call.
func (a *StripeAdapter) VerifySignature(body []byte, headers http.Header, _ time.Time) error {
	if strings.TrimSpace(a.secret) == "" {
		return ErrNotConfigured
	}
	sig := headers.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		return fmt.Errorf("%w: missing Stripe-Signature", ErrSignatureInvalid)
	}

	_, err := webhook.ConstructEventWithOptions(body, sig, a.secret, webhook.ConstructEventOptions{
		Tolerance:                a.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, webhook.ErrTooOld):
		return fmt.Errorf("%w: %v", ErrStale, err)
	case errors.Is(err, webhook.ErrNotSigned), errors.Is(err, webhook.ErrNoValidSignature), errors.Is(err, webhook.ErrInvalidHeader):
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	default:
		return fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
}

func (a *StripeAdapter) VerifyFreshness(http.Header, time.Time) error {
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

func (a *StripeAdapter) Parse(body []byte, _ http.Header, _ time.Time) (Parsed, error) {
	var event stripelib.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	eventType := string(event.Type)

	switch event.Type {
	case stripelib.EventTypeCheckoutSessionCompleted, stripelib.EventTypeCheckoutSessionAsyncPaymentSucceeded:
	default:
		return ignore(event.ID, eventType, "unhandled event type"), nil
	}

	if event.Data == nil {
		return Parsed{}, fmt.Errorf("%w: event %s has no data", ErrPayloadMalformed, event.ID)
	}
	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return Parsed{}, fmt.Errorf("%w: checkout.session: %v", ErrPayloadMalformed, err)
	}
	if session.ID == "" {
		return Parsed{}, fmt.Errorf("%w: checkout.session without id", ErrPayloadMalformed)
	}

	userID := session.Metadata["user_id"]
	if userID == "" {
		userID = session.ClientReferenceID
	}

	if session.PaymentStatus != string(stripelib.CheckoutSessionPaymentStatusPaid) {
		p := ignore(session.ID, eventType, "payment_status "+session.PaymentStatus)
		p.UserID = userID
		return p, nil
	}

	if userID == "" {
		return Parsed{}, fmt.Errorf("%w: session %s has no user", ErrPayloadMalformed, session.ID)
	}
	units, ok := positiveUnits(session.Metadata["pollen_units"])
	if !ok {
		return Parsed{}, fmt.Errorf("%w: session %s has no positive pollen_units", ErrPayloadMalformed, session.ID)
	}

	return credit(eventType, models.LedgerEvent{
		EventID:  session.ID,
		Scope:    CheckoutSessionScope,
		Provider: models.ProviderStripe,
		UserID:   userID,
		Bucket:   models.BucketPack,
		Amount:   units.Mul(a.multiplier),
	}), nil
}
