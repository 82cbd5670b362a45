package webhook

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pollen_ledger/internal/models"
)

const headerNOWPaymentsSig = "x-nowpayments-sig"

// OrderPrefix starts every order_id the checkout creates: pollen:<user>:<units>
const OrderPrefix = "pollen:"

// NOWPaymentsAdapter credits crypto top-ups. IPN callbacks carry no
// timestamp, so replay protection rests on the payment_id marker alone.
type NOWPaymentsAdapter struct {
	secret    []byte
	threshold decimal.Decimal
}

// NewNOWPaymentsAdapter creates the crypto adapter. A partial payment whose
// paid fraction reaches threshold credits the full order.
func NewNOWPaymentsAdapter(secret string, threshold decimal.Decimal) *NOWPaymentsAdapter {
	return &NOWPaymentsAdapter{secret: []byte(secret), threshold: threshold}
}

func (a *NOWPaymentsAdapter) Provider() models.Provider {
	return models.ProviderNOWPayments
}

// SortedJSON re-encodes body with object keys sorted at every level, the
// form NOWPayments signs.
func SortedJSON(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}

	// encoding/json writes map keys in sorted order
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// SignIPN returns the hex HMAC-SHA512 of the sorted body.
func SignIPN(secret, body []byte) (string, error) {
	sorted, err := SortedJSON(body)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(sorted)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (a *NOWPaymentsAdapter) VerifySignature(body []byte, headers http.Header, _ time.Time) error {
	if len(a.secret) == 0 {
		return ErrNotConfigured
	}
	got := strings.ToLower(strings.TrimSpace(headers.Get(headerNOWPaymentsSig)))
	if got == "" {
		return fmt.Errorf("%w: missing %s", ErrSignatureInvalid, headerNOWPaymentsSig)
	}

	expected, err := SignIPN(a.secret, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	if !hmac.Equal([]byte(got), []byte(expected)) {
		return ErrSignatureInvalid
	}
	return nil
}

func (a *NOWPaymentsAdapter) VerifyFreshness(http.Header, time.Time) error {
	return nil
}

type ipnPayload struct {
	PaymentID          json.Number `json:"payment_id"`
	PaymentStatus      string      `json:"payment_status"`
	OrderID            string      `json:"order_id"`
	PriceAmount        json.Number `json:"price_amount"`
	ActuallyPaidAtFiat json.Number `json:"actually_paid_at_fiat"`
}

// ParseOrderID splits pollen:<user>:<units>. User IDs may contain colons;
// units never do.
func ParseOrderID(orderID string) (string, decimal.Decimal, error) {
	rest, ok := strings.CutPrefix(orderID, OrderPrefix)
	if !ok {
		return "", decimal.Zero, fmt.Errorf("order_id %q lacks %q prefix", orderID, OrderPrefix)
	}
	i := strings.LastIndex(rest, ":")
	if i <= 0 {
		return "", decimal.Zero, fmt.Errorf("order_id %q has no user or units", orderID)
	}
	units, ok := positiveUnits(rest[i+1:])
	if !ok {
		return "", decimal.Zero, fmt.Errorf("order_id %q has no positive units", orderID)
	}
	return rest[:i], units, nil
}

func (a *NOWPaymentsAdapter) Parse(body []byte, _ http.Header, _ time.Time) (Parsed, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var p ipnPayload
	if err := dec.Decode(&p); err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	if p.PaymentID.String() == "" {
		return Parsed{}, fmt.Errorf("%w: no payment_id", ErrPayloadMalformed)
	}
	eventID := "nowpayments:" + p.PaymentID.String()
	eventType := "payment." + p.PaymentStatus

	switch p.PaymentStatus {
	case "finished", "partially_paid":
	default:
		return ignore(eventID, eventType, "payment_status "+p.PaymentStatus), nil
	}

	userID, units, err := ParseOrderID(p.OrderID)
	if err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}

	if p.PaymentStatus == "partially_paid" {
		ratio, err := a.paidRatio(p)
		if err != nil {
			return Parsed{}, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
		}
		if ratio.LessThan(a.threshold) {
			return Parsed{
				EventID:   eventID,
				EventType: eventType,
				Action:    ActionBelowThreshold,
				UserID:    userID,
				Reason:    fmt.Sprintf("paid ratio %s below %s", ratio.StringFixed(4), a.threshold),
			}, nil
		}
	}

	return credit(eventType, models.LedgerEvent{
		EventID:  eventID,
		Provider: models.ProviderNOWPayments,
		UserID:   userID,
		Bucket:   models.BucketCrypto,
		Amount:   units,
	}), nil
}

func (a *NOWPaymentsAdapter) paidRatio(p ipnPayload) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(p.PriceAmount.String())
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("invalid price_amount %q", p.PriceAmount)
	}
	paid, err := decimal.NewFromString(p.ActuallyPaidAtFiat.String())
	if err != nil || paid.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid actually_paid_at_fiat %q", p.ActuallyPaidAtFiat)
	}
	return paid.Div(price), nil
}
