package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"pollen_ledger/internal/ledger"
	"pollen_ledger/internal/logging"
	"pollen_ledger/internal/models"
	"pollen_ledger/internal/storage"
	"pollen_ledger/internal/tiers"
)

// testLedger wires real ledger components over in-memory stores
type testLedger struct {
	users   *storage.MemoryUserStore
	markers *storage.MemoryMarkerStore
	applier *ledger.Applier
	guard   *tiers.Guard
	catalog *tiers.Catalog
	sink    *logging.MemorySink
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()

	catalog, err := tiers.ParseCatalog([]byte(`
tiers:
  - name: flower
    paid: true
    products: {production: prod_flower}
  - name: nectar
    paid: true
    products: {production: prod_nectar}
`))
	require.NoError(t, err)

	users := storage.NewMemoryUserStore()
	markers := storage.NewMemoryMarkerStore()
	balances := ledger.NewBalanceService(users, nil)
	return &testLedger{
		users:   users,
		markers: markers,
		applier: ledger.NewApplier(markers, balances, ledger.DefaultApplierConfig()),
		guard:   tiers.NewGuard(users, catalog, nil, nil, nil, "production"),
		catalog: catalog,
		sink:    logging.NewMemorySink(),
	}
}

func (l *testLedger) addUser(id string, tier models.Tier, tierBalance, pack int64) {
	t := tier
	l.users.Put(&models.LedgerUser{
		ID:          id,
		Tier:        &t,
		TierBalance: decimal.NewFromInt(tierBalance),
		PackBalance: decimal.NewFromInt(pack),
	})
}

func (l *testLedger) user(t *testing.T, id string) *models.LedgerUser {
	t.Helper()
	u, err := l.users.Get(context.Background(), id)
	require.NoError(t, err)
	return u
}

func (l *testLedger) handler(adapter Adapter, now time.Time) *Handler {
	h := NewHandler(adapter, l.applier, l.guard, l.sink, nil, 0)
	h.now = func() time.Time { return now }
	return h
}

type response struct {
	Received bool           `json:"received"`
	Status   models.Outcome `json:"status"`
	Error    string         `json:"error"`
}

func serve(t *testing.T, h http.Handler, req *http.Request) (int, response) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal) {
	t.Helper()
	require.Truef(t, got.Equal(decimal.NewFromInt(want)), "want %d, got %s", want, got)
}
