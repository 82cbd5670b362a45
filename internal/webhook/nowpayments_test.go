package webhook

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollen_ledger/internal/models"
)

const ipnSecret = "ipn_test_secret"

func ipnRequest(t *testing.T, secret, body string) *http.Request {
	t.Helper()
	sig, err := SignIPN([]byte(secret), []byte(body))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/nowpayments", bytes.NewBufferString(body))
	req.Header.Set("x-nowpayments-sig", sig)
	return req
}

func ipnBody(paymentID int, status, orderID string, price, paidFiat string) string {
	return fmt.Sprintf(`{"payment_status":%q,"payment_id":%d,"order_id":%q,"price_amount":%s,"price_currency":"usd","actually_paid_at_fiat":%s,"pay_currency":"btc"}`,
		status, paymentID, orderID, price, paidFiat)
}

func newNOWPaymentsHandler(l *testLedger) *Handler {
	adapter := NewNOWPaymentsAdapter(ipnSecret, decimal.RequireFromString("0.90"))
	return l.handler(adapter, time.Now())
}

func TestNOWPayments_FinishedCreditsCrypto(t *testing.T) {
	l := newTestLedger(t)
	l.addUser("user_u", models.TierSpore, 0, 0)
	h := newNOWPaymentsHandler(l)

	body := ipnBody(5001, "finished", "pollen:user_u:25", "25", "25")
	code, resp := serve(t, h, ipnRequest(t, ipnSecret, body))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.OutcomeApplied, resp.Status)

	_, resp = serve(t, h, ipnRequest(t, ipnSecret, body))
	assert.Equal(t, models.OutcomeDuplicate, resp.Status)

	user := l.user(t, "user_u")
	assertDecimal(t, 25, user.CryptoBalance)
	assertDecimal(t, 0, user.PackBalance)
}

func TestNOWPayments_PartialPaymentThreshold(t *testing.T) {
	tests := []struct {
		name       string
		paidFiat   string
		want       models.Outcome
		wantCrypto int64
	}{
		{"85 percent credits nothing", "8.5", models.OutcomeBelowThreshold, 0},
		{"95 percent credits in full", "9.5", models.OutcomeApplied, 10},
		{"exactly 90 percent credits in full", "9.0", models.OutcomeApplied, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			l.addUser("user_u", models.TierSpore, 0, 0)
			h := newNOWPaymentsHandler(l)

			body := ipnBody(7001, "partially_paid", "pollen:user_u:10", "10", tt.paidFiat)
			code, resp := serve(t, h, ipnRequest(t, ipnSecret, body))
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.want, resp.Status)
			assertDecimal(t, tt.wantCrypto, l.user(t, "user_u").CryptoBalance)
		})
	}
}

// An underpaid callback takes no marker, so the later finished callback for
// the same payment still credits.
func TestNOWPayments_BelowThresholdThenFinished(t *testing.T) {
	l := newTestLedger(t)
	l.addUser("user_u", models.TierSpore, 0, 0)
	h := newNOWPaymentsHandler(l)

	_, resp := serve(t, h, ipnRequest(t, ipnSecret, ipnBody(42, "partially_paid", "pollen:user_u:10", "10", "5")))
	assert.Equal(t, models.OutcomeBelowThreshold, resp.Status)

	_, resp = serve(t, h, ipnRequest(t, ipnSecret, ipnBody(42, "finished", "pollen:user_u:10", "10", "10")))
	assert.Equal(t, models.OutcomeApplied, resp.Status)

	assertDecimal(t, 10, l.user(t, "user_u").CryptoBalance)
}

func TestNOWPayments_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		secret   string
		body     string
		wantCode int
		want     models.Outcome
	}{
		{"waiting is ignored", ipnSecret, ipnBody(1, "waiting", "pollen:user_u:10", "10", "0"), http.StatusOK, models.OutcomeIgnored},
		{"failed is ignored", ipnSecret, ipnBody(2, "failed", "pollen:user_u:10", "10", "0"), http.StatusOK, models.OutcomeIgnored},
		{"unknown user", ipnSecret, ipnBody(3, "finished", "pollen:ghost:10", "10", "10"), http.StatusOK, models.OutcomeUserNotFound},
		{"foreign order id", ipnSecret, ipnBody(4, "finished", "shop-1234", "10", "10"), http.StatusBadRequest, models.OutcomeMalformed},
		{"zero price on partial", ipnSecret, ipnBody(5, "partially_paid", "pollen:user_u:10", "0", "1"), http.StatusBadRequest, models.OutcomeMalformed},
		{"wrong secret", "other", ipnBody(6, "finished", "pollen:user_u:10", "10", "10"), http.StatusUnauthorized, models.OutcomeSignatureInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t)
			l.addUser("user_u", models.TierSpore, 0, 0)
			h := newNOWPaymentsHandler(l)

			code, _ := serve(t, h, ipnRequest(t, tt.secret, tt.body))
			assert.Equal(t, tt.wantCode, code)

			records := l.sink.Records()
			assert.Equal(t, tt.want, records[len(records)-1].Outcome)
			assertDecimal(t, 0, l.user(t, "user_u").CryptoBalance)
		})
	}
}

func TestNOWPayments_SignatureIgnoresKeyOrder(t *testing.T) {
	a := NewNOWPaymentsAdapter(ipnSecret, decimal.RequireFromString("0.9"))

	signed := `{"a":1,"b":{"y":2,"x":"<&>"}}`
	reordered := `{"b":{"x":"<&>","y":2},"a":1}`

	sig, err := SignIPN([]byte(ipnSecret), []byte(signed))
	require.NoError(t, err)

	h := http.Header{}
	h.Set("x-nowpayments-sig", sig)
	assert.NoError(t, a.VerifySignature([]byte(reordered), h, time.Now()))

	sorted, err := SortedJSON([]byte(reordered))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":{"x":"<&>","y":2}}`, string(sorted))
}

func TestParseOrderID(t *testing.T) {
	tests := []struct {
		orderID   string
		wantUser  string
		wantUnits int64
		wantErr   bool
	}{
		{"pollen:user_u:10", "user_u", 10, false},
		{"pollen:github:12345:50", "github:12345", 50, false},
		{"pollen:user_u:0", "", 0, true},
		{"pollen:user_u", "", 0, true},
		{"pollen::10", "", 0, true},
		{"order:user_u:10", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.orderID, func(t *testing.T) {
			user, units, err := ParseOrderID(tt.orderID)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUser, user)
			assertDecimal(t, tt.wantUnits, units)
		})
	}
}
