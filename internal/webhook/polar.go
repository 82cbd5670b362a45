package webhook

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"

	"pollen_ledger/internal/models"
	"pollen_ledger/internal/tiers"
)

// Standard Webhooks headers used by Polar
const (
	headerWebhookID        = "webhook-id"
	headerWebhookTimestamp = "webhook-timestamp"
	headerWebhookSignature = "webhook-signature"
)

// benefitMeterCredit is the only Polar benefit type that carries pollen.
const benefitMeterCredit = "meter_credit"

// PolarAdapter handles subscription platform deliveries. Benefit grants
// that come from an order credit the pack bucket; active subscriptions
// request a tier upgrade.
type PolarAdapter struct {
	verifier    *standardwebhooks.Webhook
	tolerance   time.Duration
	catalog     *tiers.Catalog
	environment string
}

// NewPolarAdapter creates the adapter. A secret with the whsec_ prefix is
// base64 decoded; anything else is used as raw key bytes. An empty secret
// leaves the adapter unconfigured.
func NewPolarAdapter(secret string, tolerance time.Duration, catalog *tiers.Catalog, environment string) *PolarAdapter {
	return &PolarAdapter{
		verifier:    newStandardWebhook(secret),
		tolerance:   tolerance,
		catalog:     catalog,
		environment: environment,
	}
}

func newStandardWebhook(secret string) *standardwebhooks.Webhook {
	if secret == "" {
		return nil
	}
	if strings.HasPrefix(secret, "whsec_") {
		if wh, err := standardwebhooks.NewWebhook(secret); err == nil {
			return wh
		}
	}
	wh, err := standardwebhooks.NewWebhookRaw([]byte(secret))
	if err != nil {
		return nil
	}
	return wh
}

func (a *PolarAdapter) Provider() models.Provider {
	return models.ProviderPolar
}

// VerifySignature checks the v1 signature list only; the timestamp window
// is enforced by VerifyFreshness against the handler's clock.
func (a *PolarAdapter) VerifySignature(body []byte, headers http.Header, _ time.Time) error {
	if a.verifier == nil {
		return ErrNotConfigured
	}
	if headers.Get(headerWebhookID) == "" || headers.Get(headerWebhookSignature) == "" {
		return fmt.Errorf("%w: missing webhook-id or webhook-signature", ErrSignatureInvalid)
	}
	if err := a.verifier.VerifyIgnoringTimestamp(body, headers); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func (a *PolarAdapter) VerifyFreshness(headers http.Header, now time.Time) error {
	ts, err := strconv.ParseInt(headers.Get(headerWebhookTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad webhook-timestamp", ErrStale)
	}
	age := now.Sub(time.Unix(ts, 0))
	if age > a.tolerance || age < -a.tolerance {
		return fmt.Errorf("%w: signed %s ago", ErrStale, age.Round(time.Second))
	}
	return nil
}

type polarEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type polarCustomer struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
}

type polarBenefitGrant struct {
	ID       string        `json:"id"`
	OrderID  *string       `json:"order_id"`
	Customer polarCustomer `json:"customer"`
	Benefit  struct {
		Type       string `json:"type"`
		Properties struct {
			Units json.Number `json:"units"`
		} `json:"properties"`
	} `json:"benefit"`
}

type polarSubscription struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	ProductID string        `json:"product_id"`
	Customer  polarCustomer `json:"customer"`
}

func (a *PolarAdapter) Parse(body []byte, headers http.Header, _ time.Time) (Parsed, error) {
	var env polarEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	deliveryID := headers.Get(headerWebhookID)

	switch env.Type {
	case "benefit_grant.created", "benefit_grant.updated", "benefit_grant.cycled":
		return a.parseBenefitGrant(env)
	case "subscription.created", "subscription.active", "subscription.updated":
		return a.parseSubscription(env)
	default:
		return ignore(deliveryID, env.Type, "unhandled event type"), nil
	}
}

func (a *PolarAdapter) parseBenefitGrant(env polarEnvelope) (Parsed, error) {
	var grant polarBenefitGrant
	if err := json.Unmarshal(env.Data, &grant); err != nil {
		return Parsed{}, fmt.Errorf("%w: benefit grant: %v", ErrPayloadMalformed, err)
	}
	if grant.ID == "" {
		return Parsed{}, fmt.Errorf("%w: benefit grant without id", ErrPayloadMalformed)
	}

	if grant.OrderID == nil || *grant.OrderID == "" {
		p := ignore("polar_benefit_grant:"+grant.ID, env.Type, "grant not tied to an order")
		p.UserID = grant.Customer.ExternalID
		return p, nil
	}
	if grant.Benefit.Type != benefitMeterCredit {
		p := ignore("polar_benefit_grant:"+grant.ID, env.Type, "benefit type "+grant.Benefit.Type+" carries no pollen")
		p.UserID = grant.Customer.ExternalID
		return p, nil
	}
	if grant.Customer.ExternalID == "" {
		return Parsed{}, fmt.Errorf("%w: benefit grant %s has no customer external_id", ErrPayloadMalformed, grant.ID)
	}
	units, ok := positiveUnits(grant.Benefit.Properties.Units.String())
	if !ok {
		return Parsed{}, fmt.Errorf("%w: benefit grant %s has no positive units", ErrPayloadMalformed, grant.ID)
	}

	return credit(env.Type, models.LedgerEvent{
		EventID:  "polar_benefit_grant:" + grant.ID + ":" + *grant.OrderID,
		Provider: models.ProviderPolar,
		UserID:   grant.Customer.ExternalID,
		Bucket:   models.BucketPack,
		Amount:   units,
	}), nil
}

func (a *PolarAdapter) parseSubscription(env polarEnvelope) (Parsed, error) {
	var sub polarSubscription
	if err := json.Unmarshal(env.Data, &sub); err != nil {
		return Parsed{}, fmt.Errorf("%w: subscription: %v", ErrPayloadMalformed, err)
	}
	eventID := "polar_subscription:" + sub.ID

	if sub.Status != "active" {
		return ignore(eventID, env.Type, "subscription status "+sub.Status), nil
	}
	if sub.Customer.ExternalID == "" {
		return Parsed{}, fmt.Errorf("%w: subscription %s has no customer external_id", ErrPayloadMalformed, sub.ID)
	}

	tier, ok := a.catalog.TierForProduct(sub.ProductID, a.environment)
	if !ok {
		p := ignore(eventID, env.Type, "product "+sub.ProductID+" not in tier catalogue")
		p.UserID = sub.Customer.ExternalID
		return p, nil
	}

	return Parsed{
		EventID:   eventID,
		EventType: env.Type,
		Action:    ActionUpgrade,
		UserID:    sub.Customer.ExternalID,
		Tier:      tier,
	}, nil
}
