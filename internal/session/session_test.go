package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"dukapos/internal/appstate"
	"dukapos/internal/cache"
	"dukapos/internal/client"
	"dukapos/internal/domain"
	"dukapos/internal/httpapi"
	"dukapos/internal/service"
	"dukapos/internal/store/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	repo := memory.NewSeeded(zap.NewNop(), "main-shop")
	svc := service.New(repo, zap.NewNop(), "main-shop")
	auth, err := httpapi.NewAuthManager(context.Background(), "session-test-secret", time.Hour, repo)
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.New(svc, auth, zap.NewNop(), "*").Handler())
	t.Cleanup(srv.Close)
	return srv
}

type signedIn struct {
	client *client.Client
	app    *appstate.Store
	cache  *cache.MemoryQueryCache
}

func signIn(t *testing.T, srv *httptest.Server, username string, password string) signedIn {
	t.Helper()
	ctx := context.Background()
	qc := cache.NewMemoryQueryCache()
	c := client.New(srv.URL, client.WithHTTPClient(srv.Client()), client.WithCache(qc, time.Minute))

	resp, err := c.Login(ctx, username, password)
	require.NoError(t, err)

	app := appstate.New(appstate.NewMemoryPersister())
	require.NoError(t, app.Load(ctx))
	require.NoError(t, app.SetUser(ctx, appstate.User{
		ID:     resp.UserID,
		Role:   resp.Role,
		ShopID: resp.ShopID,
		Token:  resp.AccessToken,
	}))
	return signedIn{client: c, app: app, cache: qc}
}

func countAll(levels []domain.StockLevel, override map[string]int) []Count {
	counts := make([]Count, 0, len(levels))
	for _, level := range levels {
		qty := level.Qty
		if v, ok := override[level.ItemID]; ok {
			qty = v
		}
		counts = append(counts, Count{ItemID: level.ItemID, Qty: qty})
	}
	return counts
}

func TestShiftLifecycleAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)
	u := signIn(t, srv, "cashier", "cashier123")
	s := New(u.client, u.app, zap.NewNop())

	state, err := s.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNoActiveShift, state)

	shift, err := s.Open(ctx, decimal.NewFromInt(1000))
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State())
	require.NotNil(t, u.app.ActiveShift())
	assert.Equal(t, shift.ID, u.app.ActiveShift().ID)

	_, err = s.RecordCashMovement(ctx, domain.MovementCashIn, decimal.NewFromInt(200), "change from bank")
	require.NoError(t, err)
	out, err := s.RecordCashMovement(ctx, domain.MovementCashOut, decimal.NewFromInt(100), "supplier")
	require.NoError(t, err)
	assert.True(t, out.Amount.Equal(decimal.NewFromInt(-100)), out.Amount.String())

	_, err = u.client.RecordSale(ctx, domain.SaleCreateRequest{
		ShopID:        shift.ShopID,
		ShiftID:       shift.ID,
		PaymentMethod: domain.PaymentCash,
		Lines:         []domain.SaleLine{{ItemID: "ITEM-SUGAR-1KG", Qty: 2, UnitPrice: decimal.NewFromInt(65)}},
	})
	require.NoError(t, err)

	_, err = s.SubmitReconciliation(ctx, decimal.NewFromInt(1230), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	items, err := s.BeginReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, items, 6)
	assert.Equal(t, StateReconciling, s.State())

	_, err = s.SubmitStockTakes(ctx, countAll(items, nil)[:4])
	require.Error(t, err)
	assert.True(t, client.IsValidation(err))
	assert.Equal(t, StateReconciling, s.State())

	_, err = s.Close(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	report, err := s.SubmitStockTakes(ctx, countAll(items, map[string]int{"ITEM-TEA-100": 28}))
	require.NoError(t, err)
	assert.Equal(t, 6, report.Summary.TotalItems)
	assert.Equal(t, 1, report.Summary.UnderCounts)
	assert.Equal(t, "ITEM-TEA-100", report.Summary.MaxVarianceItemID)
	assert.Equal(t, 2, report.Summary.TotalAbsoluteVariance)

	assert.ErrorIs(t, s.CancelReconciliation(), ErrInvalidTransition)

	today := time.Now().UTC().Format("2006-01-02")
	salesQuery := domain.SummaryQuery{ShopID: shift.ShopID, Date: today, ShiftID: shift.ID}
	sales, err := u.client.SalesSummary(ctx, salesQuery)
	require.NoError(t, err)
	assert.True(t, sales.CashSales.Equal(decimal.NewFromInt(130)), sales.CashSales.String())
	salesKey := cache.Key(cache.EntitySales, map[string]string{"shopId": shift.ShopID, "date": today, "shiftId": shift.ID})
	_, cached, _ := u.cache.Get(ctx, salesKey)
	require.True(t, cached)

	rec, err := s.SubmitReconciliation(ctx, decimal.NewFromInt(1230), decimal.Zero)
	require.NoError(t, err)
	assert.Equal(t, domain.CashVarianceNormal, rec.Cash.Classification)
	assert.True(t, rec.Cash.Expected.Equal(decimal.NewFromInt(1230)), rec.Cash.Expected.String())

	_, err = s.SubmitReconciliation(ctx, decimal.NewFromInt(1230), decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	closed, err := s.Close(ctx)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed)
	assert.Equal(t, StateClosed, s.State())
	assert.Nil(t, u.app.ActiveShift())

	_, cached, _ = u.cache.Get(ctx, salesKey)
	assert.False(t, cached, "closing must drop shop-scoped sales reads")

	_, err = s.RecordCashMovement(ctx, domain.MovementCashIn, decimal.NewFromInt(5), "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	state, err = s.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateNoActiveShift, state)
}

func TestOpenRefusesWhenShiftAlreadyOpen(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)

	first := signIn(t, srv, "cashier", "cashier123")
	opened, err := New(first.client, first.app, zap.NewNop()).Open(ctx, decimal.NewFromInt(500))
	require.NoError(t, err)

	second := signIn(t, srv, "cashier", "cashier123")
	s := New(second.client, second.app, zap.NewNop())
	_, err = s.Open(ctx, decimal.NewFromInt(500))
	assert.ErrorIs(t, err, ErrShiftAlreadyOpen)
	assert.Equal(t, StateNoActiveShift, s.State())

	state, err := s.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, state)
	assert.Equal(t, opened.ID, s.Shift().ID)
	assert.Equal(t, opened.ID, second.app.ActiveShift().ID)
}

type stubAPI struct {
	calls        int
	current      *domain.Shift
	levels       []domain.StockLevel
	movementErr  error
	reconcileErr error
	lastBulk     domain.BulkStockTakeRequest
}

func (a *stubAPI) CurrentShift(context.Context, string, string) (*domain.Shift, error) {
	a.calls++
	return a.current, nil
}

func (a *stubAPI) CreateShift(_ context.Context, req domain.ShiftCreateRequest) (domain.Shift, error) {
	a.calls++
	return domain.Shift{ID: "SH1", ShopID: req.ShopID, UserID: req.UserID, OpeningFloat: req.OpeningFloat}, nil
}

func (a *stubAPI) RecordCashMovement(_ context.Context, req domain.CashMovementRequest) (domain.CashMovement, error) {
	a.calls++
	if a.movementErr != nil {
		return domain.CashMovement{}, a.movementErr
	}
	return domain.CashMovement{ID: "m1", ShiftID: req.ShiftID, Amount: req.MovementType.Signed(req.Amount)}, nil
}

func (a *stubAPI) StockLevels(context.Context, string) ([]domain.StockLevel, error) {
	a.calls++
	return a.levels, nil
}

func (a *stubAPI) CreateBulkStockTakes(_ context.Context, req domain.BulkStockTakeRequest) ([]domain.StockTake, error) {
	a.calls++
	a.lastBulk = req
	takes := make([]domain.StockTake, 0, len(req.Entries))
	for _, e := range req.Entries {
		takes = append(takes, domain.StockTake{ItemID: e.ItemID, ShiftID: req.ShiftID, CountedQty: e.CountedQty})
	}
	return takes, nil
}

func (a *stubAPI) VarianceReport(_ context.Context, shiftID string) (domain.VarianceReport, error) {
	a.calls++
	return domain.VarianceReport{ShiftID: shiftID}, nil
}

func (a *stubAPI) CreateReconciliation(_ context.Context, req domain.ReconciliationRequest) (domain.ReconciliationResponse, error) {
	a.calls++
	if a.reconcileErr != nil {
		return domain.ReconciliationResponse{}, a.reconcileErr
	}
	return domain.ReconciliationResponse{Cash: domain.CashVariance{Classification: domain.CashVarianceNormal}}, nil
}

func (a *stubAPI) CloseShift(_ context.Context, shift domain.Shift, endTime time.Time) (domain.Shift, error) {
	a.calls++
	shift.IsClosed = true
	shift.EndTime = &endTime
	return shift, nil
}

func stubSession(t *testing.T, api *stubAPI, logger *zap.Logger) *Session {
	t.Helper()
	ctx := context.Background()
	app := appstate.New(appstate.NewMemoryPersister())
	require.NoError(t, app.Load(ctx))
	require.NoError(t, app.SetUser(ctx, appstate.User{ID: "u1", Role: domain.RoleCashier, ShopID: "S1"}))
	return New(api, app, logger)
}

func TestOutOfOrderCallsSendNothing(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	s := stubSession(t, api, nil)

	_, err := s.RecordCashMovement(ctx, domain.MovementCashIn, decimal.NewFromInt(10), "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.BeginReconciliation(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.SubmitStockTakes(ctx, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.SubmitReconciliation(ctx, decimal.Zero, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = s.Close(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.ErrorIs(t, s.CancelReconciliation(), ErrInvalidTransition)

	assert.Equal(t, 0, api.calls)
	assert.Equal(t, StateNoActiveShift, s.State())
}

func TestOpenRequiresSignedInUser(t *testing.T) {
	ctx := context.Background()
	app := appstate.New(appstate.NewMemoryPersister())
	require.NoError(t, app.Load(ctx))
	api := &stubAPI{}

	_, err := New(api, app, nil).Open(ctx, decimal.NewFromInt(100))
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.Equal(t, 0, api.calls)
}

func TestCancelReconciliationReturnsToOpen(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{levels: []domain.StockLevel{{ItemID: "ITEM-A", ShopID: "S1", Qty: 3}}}
	s := stubSession(t, api, nil)

	_, err := s.Open(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = s.BeginReconciliation(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CancelReconciliation())
	assert.Equal(t, StateOpen, s.State())
	assert.Empty(t, s.Items())

	_, err = s.RecordCashMovement(ctx, domain.MovementFloat, decimal.NewFromInt(50), "top up")
	assert.NoError(t, err)
}

func TestStockTakeCoverage(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{levels: []domain.StockLevel{
		{ItemID: "ITEM-A", ShopID: "S1", Qty: 3},
		{ItemID: "ITEM-B", ShopID: "S1", Qty: 7},
	}}
	s := stubSession(t, api, nil)
	_, err := s.Open(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = s.BeginReconciliation(ctx)
	require.NoError(t, err)
	before := api.calls

	cases := []struct {
		name   string
		counts []Count
		field  string
	}{
		{"missing", []Count{{ItemID: "ITEM-A", Qty: 3}}, "ITEM-B"},
		{"unknown", []Count{{ItemID: "ITEM-A", Qty: 3}, {ItemID: "ITEM-B", Qty: 7}, {ItemID: "ITEM-Z", Qty: 1}}, "ITEM-Z"},
		{"duplicate", []Count{{ItemID: "ITEM-A", Qty: 3}, {ItemID: "item-a", Qty: 2}, {ItemID: "ITEM-B", Qty: 7}}, "ITEM-A"},
		{"negative", []Count{{ItemID: "ITEM-A", Qty: -1}, {ItemID: "ITEM-B", Qty: 7}}, "ITEM-A"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.SubmitStockTakes(ctx, tc.counts)
			var verr *client.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
	assert.Equal(t, before, api.calls)

	_, err = s.SubmitStockTakes(ctx, []Count{{ItemID: " item-b ", Qty: 7}, {ItemID: "ITEM-A", Qty: 2}})
	require.NoError(t, err)
	_, err = s.SubmitStockTakes(ctx, []Count{{ItemID: "ITEM-A", Qty: 2}, {ItemID: "ITEM-B", Qty: 7}})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestFailedSubmissionsAreLoggedAndReturned(t *testing.T) {
	ctx := context.Background()
	core, logs := observer.New(zapcore.WarnLevel)
	api := &stubAPI{
		levels:       []domain.StockLevel{{ItemID: "ITEM-A", ShopID: "S1", Qty: 3}},
		movementErr:  &client.APIError{Status: 503, Message: "unavailable"},
		reconcileErr: errors.New("connection reset"),
	}
	s := stubSession(t, api, zap.New(core))

	_, err := s.Open(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)

	_, err = s.RecordCashMovement(ctx, domain.MovementCashIn, decimal.NewFromInt(10), "")
	require.Error(t, err)
	assert.True(t, client.IsRetryable(err))
	assert.Equal(t, StateOpen, s.State())

	_, err = s.BeginReconciliation(ctx)
	require.NoError(t, err)
	_, err = s.SubmitStockTakes(ctx, []Count{{ItemID: "ITEM-A", Qty: 3}})
	require.NoError(t, err)

	_, err = s.SubmitReconciliation(ctx, decimal.NewFromInt(100), decimal.Zero)
	require.Error(t, err)
	assert.Equal(t, StateReconciling, s.State())

	assert.Equal(t, 1, logs.FilterMessage("cash movement not recorded").Len())
	assert.Equal(t, 1, logs.FilterMessage("reconciliation not recorded").Len())

	api.reconcileErr = nil
	_, err = s.SubmitReconciliation(ctx, decimal.NewFromInt(100), decimal.Zero)
	require.NoError(t, err)
	closed, err := s.Close(ctx)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed)
	require.NotNil(t, closed.EndTime)
}

func TestShopWithoutStockClosesWithoutCounting(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	s := stubSession(t, api, nil)

	_, err := s.Open(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	items, err := s.BeginReconciliation(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	before := api.calls

	report, err := s.SubmitStockTakes(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "SH1", report.ShiftID)
	assert.Empty(t, report.Items)
	assert.Equal(t, before, api.calls)

	_, err = s.SubmitReconciliation(ctx, decimal.NewFromInt(100), decimal.Zero)
	require.NoError(t, err)
	closed, err := s.Close(ctx)
	require.NoError(t, err)
	assert.True(t, closed.IsClosed)
	assert.Equal(t, StateClosed, s.State())
}

func TestLowerCaseStockLevelIDsCanBeCounted(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{levels: []domain.StockLevel{{ItemID: "sku-42", ShopID: "S1", Qty: 4}}}
	s := stubSession(t, api, nil)

	_, err := s.Open(ctx, decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = s.BeginReconciliation(ctx)
	require.NoError(t, err)

	_, err = s.SubmitStockTakes(ctx, countAll(api.levels, nil))
	require.NoError(t, err)
	require.Len(t, api.lastBulk.Entries, 1)
	assert.Equal(t, "SKU-42", api.lastBulk.Entries[0].ItemID)
}

func TestManagerProvisionedItemIsCountedByCashier(t *testing.T) {
	ctx := context.Background()
	srv := newServer(t)

	m := signIn(t, srv, "manager", "manager123")
	level, err := m.client.SetStockLevel(ctx, domain.StockLevelRequest{ShopID: "main-shop", ItemID: "sku-42", Name: "Matches", Qty: 9})
	require.NoError(t, err)
	assert.Equal(t, "SKU-42", level.ItemID)

	u := signIn(t, srv, "cashier", "cashier123")
	_, err = u.client.SetStockLevel(ctx, domain.StockLevelRequest{ShopID: "main-shop", ItemID: "sku-43", Qty: 1})
	var authErr *client.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, 403, authErr.Status)

	s := New(u.client, u.app, nil)
	_, err = s.Open(ctx, decimal.NewFromInt(500))
	require.NoError(t, err)
	items, err := s.BeginReconciliation(ctx)
	require.NoError(t, err)
	counts := countAll(items, map[string]int{"SKU-42": 8})
	_, err = s.SubmitStockTakes(ctx, counts)
	require.NoError(t, err)

	report, err := u.client.VarianceReport(ctx, s.Shift().ID)
	require.NoError(t, err)
	var matches *domain.VarianceLine
	for i := range report.Items {
		if report.Items[i].ItemID == "SKU-42" {
			matches = &report.Items[i]
		}
	}
	require.NotNil(t, matches)
	assert.Equal(t, 9, matches.ExpectedQty)
	assert.Equal(t, -1, matches.Variance)
}
