package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukapos/internal/cache"
	"dukapos/internal/domain"
)

type fakeAPI struct {
	hits    atomic.Int64
	handler http.HandlerFunc
}

func newFake(t *testing.T, handler http.HandlerFunc) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{handler: handler}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.hits.Add(1)
		f.handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func TestValidationHappensBeforeDispatch(t *testing.T) {
	fake, srv := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusCreated, map[string]any{})
	})
	c := New(srv.URL)

	_, err := c.RecordCashMovement(context.Background(), domain.CashMovementRequest{
		ShiftID:      "SH1",
		Amount:       decimal.NewFromInt(-5),
		MovementType: domain.MovementCashIn,
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.False(t, IsRetryable(err))

	_, err = c.CreateBulkStockTakes(context.Background(), domain.BulkStockTakeRequest{ShiftID: "SH1"})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	_, err = c.CurrentShift(context.Background(), "", "S1")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "userId")

	assert.Equal(t, int64(0), fake.hits.Load())
}

func TestErrorTaxonomy(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		auth      bool
		retryable bool
		invalid   bool
	}{
		{"unauthorized", http.StatusUnauthorized, true, false, false},
		{"forbidden", http.StatusForbidden, true, false, false},
		{"unprocessable", http.StatusUnprocessableEntity, false, false, true},
		{"conflict", http.StatusConflict, false, false, false},
		{"server", http.StatusInternalServerError, false, true, false},
		{"unavailable", http.StatusServiceUnavailable, false, true, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, srv := newFake(t, func(w http.ResponseWriter, r *http.Request) {
				reply(w, tc.status, map[string]any{"error": "nope", "fields": map[string]string{"amount": "bad"}})
			})
			c := New(srv.URL)

			_, err := c.StockLevels(context.Background(), "S1")
			require.Error(t, err)
			assert.Equal(t, tc.auth, IsAuth(err))
			assert.Equal(t, tc.retryable, IsRetryable(err))
			assert.Equal(t, tc.invalid, IsValidation(err))
			if !tc.invalid {
				assert.Equal(t, tc.status, StatusCode(err))
			}
		})
	}
}

func TestTransportFailureIsRetryable(t *testing.T) {
	_, srv := newFake(t, func(w http.ResponseWriter, r *http.Request) {})
	url := srv.URL
	srv.Close()

	c := New(url, WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := c.StockLevels(context.Background(), "S1")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, StatusCode(err))
}

func TestBearerTokenFromLogin(t *testing.T) {
	var seen atomic.Value
	_, srv := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			reply(w, http.StatusOK, domain.LoginResponse{AccessToken: "tok-123", UserID: "u1", Role: domain.RoleCashier})
		default:
			seen.Store(r.Header.Get("Authorization"))
			reply(w, http.StatusOK, domain.StockLevelListResponse{})
		}
	})
	c := New(srv.URL)

	resp, err := c.Login(context.Background(), "u1", "secret")
	require.NoError(t, err)
	assert.Equal(t, "tok-123", resp.AccessToken)

	_, err = c.StockLevels(context.Background(), "S1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-123", seen.Load())
}

func TestReadsAreCachedAndMutationsInvalidateOnSuccess(t *testing.T) {
	failMovements := atomic.Bool{}
	fake, srv := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/shift-cash-movements":
			assert.Equal(t, "SH1", r.URL.Query().Get("shiftId"))
			reply(w, http.StatusOK, domain.CashMovementListResponse{Movements: []domain.CashMovement{{ID: "m1", ShiftID: "SH1"}}})
		case r.Method == http.MethodPost && r.URL.Path == "/api/shift-cash-movements":
			if failMovements.Load() {
				reply(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
				return
			}
			reply(w, http.StatusCreated, domain.CashMovementResponse{Movement: domain.CashMovement{ID: "m2", ShiftID: "SH1"}})
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	qc := cache.NewMemoryQueryCache()
	c := New(srv.URL, WithCache(qc, time.Minute))
	ctx := context.Background()

	_, err := c.CashMovements(ctx, "SH1")
	require.NoError(t, err)
	_, err = c.CashMovements(ctx, "SH1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), fake.hits.Load(), "second read should be served from cache")

	failMovements.Store(true)
	_, err = c.RecordCashMovement(ctx, domain.CashMovementRequest{ShiftID: "SH1", Amount: decimal.NewFromInt(10), MovementType: domain.MovementCashIn})
	require.Error(t, err)
	assert.Equal(t, 1, qc.Len(), "failed mutation must leave the cache alone")

	failMovements.Store(false)
	_, err = c.RecordCashMovement(ctx, domain.CashMovementRequest{ShiftID: "SH1", Amount: decimal.NewFromInt(10), MovementType: domain.MovementCashIn})
	require.NoError(t, err)
	assert.Equal(t, 0, qc.Len())
}

func TestCloseShiftInvalidatesShopScopedReads(t *testing.T) {
	_, srv := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		var req domain.ShiftCloseRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.IsClosed)
		assert.NotNil(t, req.EndTime)
		reply(w, http.StatusOK, domain.ShiftResponse{Shift: domain.Shift{ID: "SH9", ShopID: "S1", IsClosed: true}})
	})
	qc := cache.NewMemoryQueryCache()
	c := New(srv.URL, WithCache(qc, time.Minute))
	ctx := context.Background()

	keep := cache.Key(cache.EntitySales, map[string]string{"shopId": "S2", "date": "2024-01-15"})
	for _, key := range []string{
		cache.Key(cache.EntitySales, map[string]string{"shopId": "S1", "date": "2024-01-15", "shiftId": "SH9"}),
		cache.Key(cache.EntityStockLevels, map[string]string{"shopId": "S1"}),
		cache.Key(cache.EntityStockTransactions, map[string]string{"shopId": "S1"}),
		cache.Key(cache.EntityCustomerBalances, map[string]string{"shopId": "S1"}),
		keep,
	} {
		require.NoError(t, qc.Set(ctx, key, []byte("{}"), time.Minute))
	}

	closed, err := c.CloseShift(ctx, domain.Shift{ID: "SH9", ShopID: "S1", UserID: "u1"}, time.Now())
	require.NoError(t, err)
	assert.True(t, closed.IsClosed)
	assert.Equal(t, 1, qc.Len())
	_, ok, _ := qc.Get(ctx, keep)
	assert.True(t, ok)
}

func TestMarkAdjustedInvalidatesOnlyStockTakes(t *testing.T) {
	_, srv := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/stock/takes/take-1/adjust", r.URL.Path)
		reply(w, http.StatusOK, domain.StockTakeResponse{StockTake: domain.StockTake{ID: "take-1", ShiftID: "SH1", IsAdjusted: true}})
	})
	qc := cache.NewMemoryQueryCache()
	c := New(srv.URL, WithCache(qc, time.Minute))
	ctx := context.Background()

	takes := cache.Key(cache.EntityStockTakes, map[string]string{"shiftId": "SH1"})
	levels := cache.Key(cache.EntityStockLevels, map[string]string{"shopId": "S1"})
	require.NoError(t, qc.Set(ctx, takes, []byte("{}"), time.Minute))
	require.NoError(t, qc.Set(ctx, levels, []byte("{}"), time.Minute))

	for i := 0; i < 2; i++ {
		take, err := c.MarkStockTakeAdjusted(ctx, "take-1")
		require.NoError(t, err)
		assert.True(t, take.IsAdjusted)
	}

	_, ok, _ := qc.Get(ctx, takes)
	assert.False(t, ok)
	_, ok, _ = qc.Get(ctx, levels)
	assert.True(t, ok)
}

func TestSetStockLevelInvalidatesShopLevels(t *testing.T) {
	_, srv := newFake(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/api/stock/levels", r.URL.Path)
		var req domain.StockLevelRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "SKU-42", req.ItemID)
		reply(w, http.StatusOK, domain.StockLevelResponse{Level: domain.StockLevel{ItemID: req.ItemID, ShopID: req.ShopID, Qty: req.Qty}})
	})
	qc := cache.NewMemoryQueryCache()
	c := New(srv.URL, WithCache(qc, time.Minute))
	ctx := context.Background()

	levels := cache.Key(cache.EntityStockLevels, map[string]string{"shopId": "S1"})
	other := cache.Key(cache.EntityStockLevels, map[string]string{"shopId": "S2"})
	require.NoError(t, qc.Set(ctx, levels, []byte("{}"), time.Minute))
	require.NoError(t, qc.Set(ctx, other, []byte("{}"), time.Minute))

	level, err := c.SetStockLevel(ctx, domain.StockLevelRequest{ShopID: "S1", ItemID: " sku-42", Qty: 3})
	require.NoError(t, err)
	assert.Equal(t, "SKU-42", level.ItemID)

	_, ok, _ := qc.Get(ctx, levels)
	assert.False(t, ok)
	_, ok, _ = qc.Get(ctx, other)
	assert.True(t, ok)
}
