package dashboard

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"dukapos/internal/appstate"
	"dukapos/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubSummaries struct {
	mu       sync.Mutex
	queries  []domain.SummaryQuery
	sales    domain.SalesSummary
	expenses domain.ExpensesSummary
	err      error
	release  chan struct{}
}

func (s *stubSummaries) record(ctx context.Context, q domain.SummaryQuery) error {
	s.mu.Lock()
	s.queries = append(s.queries, q)
	s.mu.Unlock()
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.err
}

func (s *stubSummaries) SalesSummary(ctx context.Context, q domain.SummaryQuery) (domain.SalesSummary, error) {
	if err := s.record(ctx, q); err != nil {
		return domain.SalesSummary{}, err
	}
	return s.sales, nil
}

func (s *stubSummaries) ExpensesSummary(ctx context.Context, q domain.SummaryQuery) (domain.ExpensesSummary, error) {
	if err := s.record(ctx, q); err != nil {
		return domain.ExpensesSummary{}, err
	}
	return s.expenses, nil
}

func (s *stubSummaries) seen() []domain.SummaryQuery {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SummaryQuery(nil), s.queries...)
}

func newApp(t *testing.T, user appstate.User, shift *domain.Shift) *appstate.Store {
	t.Helper()
	ctx := context.Background()
	app := appstate.New(appstate.NewMemoryPersister())
	require.NoError(t, app.Load(ctx))
	require.NoError(t, app.SetUser(ctx, user))
	if shift != nil {
		require.NoError(t, app.SetActiveShift(ctx, *shift))
	}
	return app
}

var jan15 = time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC)

func TestManagerSeesWholeShop(t *testing.T) {
	api := &stubSummaries{
		sales:    domain.SalesSummary{ShopID: "S1", Count: 12, TotalSales: decimal.NewFromInt(15000), CashSales: decimal.NewFromInt(9000), MpesaSales: decimal.NewFromInt(6000)},
		expenses: domain.ExpensesSummary{ShopID: "S1", Count: 3, TotalExpenses: decimal.NewFromInt(3200)},
	}
	app := newApp(t, appstate.User{ID: "m1", Role: domain.RoleManager, ShopID: "S1"}, nil)

	m, err := New(api, app, nil).Metrics(context.Background(), jan15)
	require.NoError(t, err)

	want := []domain.SummaryQuery{
		{ShopID: "S1", Date: "2024-01-15"},
		{ShopID: "S1", Date: "2024-01-15"},
	}
	if diff := cmp.Diff(want, api.seen()); diff != "" {
		t.Fatalf("queries mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, ScopeShop, m.Scope)
	assert.Empty(t, m.ShiftID)
	assert.True(t, m.Sales.Equal(decimal.NewFromInt(15000)))
	assert.True(t, m.Expenses.Equal(decimal.NewFromInt(3200)))
	assert.True(t, m.Net.Equal(decimal.NewFromInt(11800)), m.Net.String())
	assert.Equal(t, 12, m.SalesCount)
	assert.Equal(t, "KES", m.Currency)
}

func TestCashierScopedToOpenShift(t *testing.T) {
	api := &stubSummaries{}
	app := newApp(t,
		appstate.User{ID: "c1", Role: domain.RoleCashier, ShopID: "S1"},
		&domain.Shift{ID: "SH9", ShopID: "S1", UserID: "c1"},
	)

	m, err := New(api, app, nil).Metrics(context.Background(), jan15)
	require.NoError(t, err)

	queries := api.seen()
	require.Len(t, queries, 2)
	for _, q := range queries {
		assert.Equal(t, "SH9", q.ShiftID)
		assert.Equal(t, "2024-01-15", q.Date)
	}
	assert.Equal(t, ScopeShift, m.Scope)
	assert.Equal(t, "SH9", m.ShiftID)
}

func TestMissingDataIsZero(t *testing.T) {
	api := &stubSummaries{}
	app := newApp(t, appstate.User{ID: "m1", Role: domain.RoleAdmin, ShopID: "S1"}, nil)

	m, err := New(api, app, nil).Metrics(context.Background(), jan15)
	require.NoError(t, err)
	for name, v := range map[string]decimal.Decimal{
		"sales":    m.Sales,
		"expenses": m.Expenses,
		"net":      m.Net,
		"cash":     m.CashSales,
		"mpesa":    m.MpesaSales,
	} {
		assert.Equal(t, "0", v.String(), name)
	}
}

func TestCashierWithoutShiftSkipsQueries(t *testing.T) {
	api := &stubSummaries{err: errors.New("must not be called")}
	app := newApp(t, appstate.User{ID: "c1", Role: domain.RoleCashier, ShopID: "S1"}, nil)

	m, err := New(api, app, nil).Metrics(context.Background(), jan15)
	require.NoError(t, err)
	assert.Empty(t, api.seen())
	assert.True(t, m.Net.IsZero())
	assert.Equal(t, ScopeShift, m.Scope)
}

func TestCurrencyFromPreference(t *testing.T) {
	ctx := context.Background()
	app := newApp(t, appstate.User{ID: "m1", Role: domain.RoleManager, ShopID: "S1"}, nil)
	require.NoError(t, app.SetCurrency(ctx, "UGX"))

	m, err := New(&stubSummaries{}, app, nil).Metrics(ctx, jan15)
	require.NoError(t, err)
	assert.Equal(t, "UGX", m.Currency)
}

func TestErrorsSurface(t *testing.T) {
	api := &stubSummaries{err: errors.New("boom")}
	app := newApp(t, appstate.User{ID: "m1", Role: domain.RoleManager, ShopID: "S1"}, nil)

	_, err := New(api, app, nil).Metrics(context.Background(), jan15)
	assert.EqualError(t, err, "boom")

	signedOut := appstate.New(appstate.NewMemoryPersister())
	require.NoError(t, signedOut.Load(context.Background()))
	_, err = New(api, signedOut, nil).Metrics(context.Background(), jan15)
	assert.ErrorIs(t, err, ErrNotSignedIn)
}

func TestLoadReportsProgress(t *testing.T) {
	api := &stubSummaries{
		release: make(chan struct{}),
		sales:   domain.SalesSummary{TotalSales: decimal.NewFromInt(500)},
	}
	app := newApp(t, appstate.User{ID: "m1", Role: domain.RoleManager, ShopID: "S1"}, nil)

	load := New(api, app, nil).Start(context.Background(), jan15)
	assert.True(t, load.IsLoading())

	close(api.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := load.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, load.IsLoading())
	assert.True(t, m.Net.Equal(decimal.NewFromInt(500)))
}
