package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	standardwebhooks "github.com/standard-webhooks/standard-webhooks/libraries/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pollen_ledger/internal/ledger"
	"pollen_ledger/internal/models"
)

const polarSecret = "polar_whs_test"

var polarNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func polarRequest(t *testing.T, key []byte, id string, signedAt time.Time, body string) *http.Request {
	t.Helper()
	wh, err := standardwebhooks.NewWebhookRaw(key)
	require.NoError(t, err)
	signature, err := wh.Sign(id, signedAt, []byte(body))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/polar", bytes.NewBufferString(body))
	req.Header.Set("webhook-id", id)
	req.Header.Set("webhook-timestamp", strconv.FormatInt(signedAt.Unix(), 10))
	req.Header.Set("webhook-signature", "v1,bm9wZQ== "+signature)
	return req
}

func newPolarHandler(l *testLedger) *Handler {
	return l.handler(NewPolarAdapter(polarSecret, 5*time.Minute, l.catalog, "production"), polarNow)
}

const grantWithOrder = `{"type":"benefit_grant.created","data":{"id":"grant_1","order_id":"order_1",
 "customer":{"id":"cus_1","external_id":"user_u"},
 "benefit":{"type":"meter_credit","properties":{"units":10}}}}`

func TestPolar_DuplicateGrantCreditsOnce(t *testing.T) {
	l := newTestLedger(t)
	l.addUser("user_u", models.TierSeed, 5, 0)
	h := newPolarHandler(l)

	code, resp := serve(t, h, polarRequest(t, []byte(polarSecret), "msg_1", polarNow, grantWithOrder))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.OutcomeApplied, resp.Status)

	code, resp = serve(t, h, polarRequest(t, []byte(polarSecret), "msg_1", polarNow, grantWithOrder))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.OutcomeDuplicate, resp.Status)

	user := l.user(t, "user_u")
	assertDecimal(t, 10, user.PackBalance)
	assertDecimal(t, 5, user.TierBalance)

	key := ledger.MarkerKey(models.LedgerEvent{EventID: "polar_benefit_grant:grant_1:order_1"})
	state, err := l.markers.State(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, models.MarkerProcessed, state)

	records := l.sink.Records()
	require.Len(t, records, 2)
	assert.NotEmpty(t, records[0].Digest)
	assert.Equal(t, models.BucketPack, records[0].Bucket)
}

func TestPolar_Rejections(t *testing.T) {
	l := newTestLedger(t)
	l.addUser("user_u", models.TierSeed, 0, 0)
	h := newPolarHandler(l)

	tests := []struct {
		name     string
		req      *http.Request
		wantCode int
		want     models.Outcome
	}{
		{
			name:     "wrong secret",
			req:      polarRequest(t, []byte("other"), "msg_1", polarNow, grantWithOrder),
			wantCode: http.StatusUnauthorized,
			want:     models.OutcomeSignatureInvalid,
		},
		{
			name: "body altered after signing",
			req: func() *http.Request {
				req := polarRequest(t, []byte(polarSecret), "msg_1", polarNow, grantWithOrder)
				req.Body = io.NopCloser(strings.NewReader(strings.Replace(grantWithOrder, `"units":10`, `"units":99`, 1)))
				return req
			}(),
			wantCode: http.StatusUnauthorized,
			want:     models.OutcomeSignatureInvalid,
		},
		{
			name:     "too old",
			req:      polarRequest(t, []byte(polarSecret), "msg_1", polarNow.Add(-6*time.Minute), grantWithOrder),
			wantCode: http.StatusBadRequest,
			want:     models.OutcomeStale,
		},
		{
			name:     "too far in the future",
			req:      polarRequest(t, []byte(polarSecret), "msg_1", polarNow.Add(6*time.Minute), grantWithOrder),
			wantCode: http.StatusBadRequest,
			want:     models.OutcomeStale,
		},
		{
			name:     "not json",
			req:      polarRequest(t, []byte(polarSecret), "msg_1", polarNow, `{"type":`),
			wantCode: http.StatusBadRequest,
			want:     models.OutcomeMalformed,
		},
		{
			name: "grant without units",
			req: polarRequest(t, []byte(polarSecret), "msg_1", polarNow,
				`{"type":"benefit_grant.created","data":{"id":"g","order_id":"o","customer":{"external_id":"user_u"},"benefit":{"type":"meter_credit","properties":{}}}}`),
			wantCode: http.StatusBadRequest,
			want:     models.OutcomeMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _ := serve(t, h, tt.req)
			assert.Equal(t, tt.wantCode, code)

			records := l.sink.Records()
			assert.Equal(t, tt.want, records[len(records)-1].Outcome)
		})
	}

	assertDecimal(t, 0, l.user(t, "user_u").PackBalance)
}

func TestPolar_Ignored(t *testing.T) {
	l := newTestLedger(t)
	l.addUser("user_u", models.TierSeed, 0, 0)
	h := newPolarHandler(l)

	bodies := map[string]string{
		"grant without order": `{"type":"benefit_grant.cycled","data":{"id":"g","order_id":null,"customer":{"external_id":"user_u"},"benefit":{"properties":{"units":3}}}}`,
		"unhandled type":      `{"type":"checkout.created","data":{}}`,
		"license key grant":   `{"type":"benefit_grant.created","data":{"id":"g_lk","order_id":"o","customer":{"external_id":"user_u"},"benefit":{"type":"license_keys","properties":{}}}}`,
		"inactive sub":        `{"type":"subscription.updated","data":{"id":"s","status":"past_due","product_id":"prod_flower","customer":{"external_id":"user_u"}}}`,
		"unknown product":     `{"type":"subscription.active","data":{"id":"s","status":"active","product_id":"prod_gold","customer":{"external_id":"user_u"}}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			code, resp := serve(t, h, polarRequest(t, []byte(polarSecret), "msg_"+name, polarNow, body))
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, models.OutcomeIgnored, resp.Status)
		})
	}

	user := l.user(t, "user_u")
	assertDecimal(t, 0, user.PackBalance)
	assert.Equal(t, models.TierSeed, user.CurrentTier())
}

func TestPolar_SubscriptionUpgradesMonotonically(t *testing.T) {
	l := newTestLedger(t)
	l.addUser("user_u", models.TierSpore, 1, 0)
	h := newPolarHandler(l)

	nectar := `{"type":"subscription.active","data":{"id":"sub_1","status":"active","product_id":"prod_nectar","customer":{"external_id":"user_u"}}}`
	flower := `{"type":"subscription.updated","data":{"id":"sub_1","status":"active","product_id":"prod_flower","customer":{"external_id":"user_u"}}}`

	_, resp := serve(t, h, polarRequest(t, []byte(polarSecret), "m1", polarNow, nectar))
	assert.Equal(t, models.OutcomeUpgraded, resp.Status)

	user := l.user(t, "user_u")
	assert.Equal(t, models.TierNectar, user.CurrentTier())
	assertDecimal(t, 20, user.TierBalance)

	// a late, lower-ranked event never downgrades
	_, resp = serve(t, h, polarRequest(t, []byte(polarSecret), "m2", polarNow, flower))
	assert.Equal(t, models.OutcomeSkipUpgrade, resp.Status)
	assert.Equal(t, models.TierNectar, l.user(t, "user_u").CurrentTier())
}

func TestPolar_SubscriptionForUnknownUser(t *testing.T) {
	l := newTestLedger(t)
	h := newPolarHandler(l)

	body := `{"type":"subscription.active","data":{"id":"sub_1","status":"active","product_id":"prod_flower","customer":{"external_id":"ghost"}}}`
	code, resp := serve(t, h, polarRequest(t, []byte(polarSecret), "m1", polarNow, body))
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.OutcomeUserNotFound, resp.Status)
}

func TestPolar_WhsecPrefixedSecret(t *testing.T) {
	raw := []byte("0123456789abcdef")
	secret := "whsec_" + base64.StdEncoding.EncodeToString(raw)

	a := NewPolarAdapter(secret, time.Minute, nil, "production")
	req := polarRequest(t, raw, "msg_9", polarNow, `{}`)
	assert.NoError(t, a.VerifySignature([]byte(`{}`), req.Header, polarNow))
}

func TestPolar_MissingHeaders(t *testing.T) {
	a := NewPolarAdapter(polarSecret, time.Minute, nil, "production")
	assert.ErrorIs(t, a.VerifySignature([]byte(`{}`), http.Header{}, polarNow), ErrSignatureInvalid)

	empty := NewPolarAdapter("", time.Minute, nil, "production")
	assert.ErrorIs(t, empty.VerifySignature([]byte(`{}`), http.Header{}, polarNow), ErrNotConfigured)
}

func TestPolar_NonCreditGrantIsAcknowledged(t *testing.T) {
	l := newTestLedger(t)
	l.addUser("user_u", models.TierSeed, 0, 0)
	h := newPolarHandler(l)

	for _, benefit := range []string{"license_keys", "downloadables", "discord", "github_repository", "custom"} {
		t.Run(benefit, func(t *testing.T) {
			body := `{"type":"benefit_grant.created","data":{"id":"grant_` + benefit + `","order_id":"order_1",
 "customer":{"id":"cus_1","external_id":"user_u"},"benefit":{"type":"` + benefit + `","properties":{}}}}`

			// every redelivery gets the same terminal answer
			for i := 0; i < 3; i++ {
				code, resp := serve(t, h, polarRequest(t, []byte(polarSecret), "msg_"+benefit, polarNow, body))
				assert.Equal(t, http.StatusOK, code)
				assert.Equal(t, models.OutcomeIgnored, resp.Status)
			}

			records := l.sink.Records()
			last := records[len(records)-1]
			assert.Equal(t, models.OutcomeIgnored, last.Outcome)
			assert.Contains(t, last.Reason, benefit)
		})
	}

	assertDecimal(t, 0, l.user(t, "user_u").PackBalance)
}
