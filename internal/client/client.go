package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dukapos/internal/cache"
	"dukapos/internal/domain"
)

// Client is a typed wrapper over the shop API. Reads go through the query
// cache; mutations invalidate the entities they touch once the server has
// confirmed them.
type Client struct {
	baseURL  string
	http     *http.Client
	cache    cache.QueryCache
	cacheTTL time.Duration
	logger   *zap.Logger

	mu    sync.RWMutex
	token string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithCache(qc cache.QueryCache, ttl time.Duration) Option {
	return func(c *Client) {
		c.cache = qc
		c.cacheTTL = ttl
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 15 * time.Second},
		cache:    cache.NoopQueryCache{},
		cacheTTL: 30 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) Login(ctx context.Context, username string, password string) (domain.LoginResponse, error) {
	req := domain.LoginRequest{Username: strings.TrimSpace(username), Password: password}
	if err := checkInput(req.Validate()); err != nil {
		return domain.LoginResponse{}, err
	}

	var resp domain.LoginResponse
	if err := c.send(ctx, http.MethodPost, "/api/auth/login", nil, req, &resp); err != nil {
		return domain.LoginResponse{}, err
	}
	c.SetToken(resp.AccessToken)
	return resp, nil
}

func (c *Client) CreateShift(ctx context.Context, req domain.ShiftCreateRequest) (domain.Shift, error) {
	if err := checkInput(req.Validate()); err != nil {
		return domain.Shift{}, err
	}

	var resp domain.ShiftResponse
	if err := c.send(ctx, http.MethodPost, "/api/shifts", nil, req, &resp); err != nil {
		return domain.Shift{}, err
	}
	c.invalidate(ctx, cache.EntityCurrentShift, map[string]string{"userId": req.UserID, "shopId": req.ShopID})
	return resp.Shift, nil
}

// CurrentShift returns the open shift for the pair or nil when none is open.
func (c *Client) CurrentShift(ctx context.Context, userID string, shopID string) (*domain.Shift, error) {
	if err := requireParams(map[string]string{"userId": userID, "shopId": shopID}); err != nil {
		return nil, err
	}

	var resp domain.CurrentShiftResponse
	params := map[string]string{"userId": userID, "shopId": shopID}
	if err := c.cachedGet(ctx, cache.EntityCurrentShift, "/api/shifts/current", params, &resp); err != nil {
		return nil, err
	}
	return resp.Shift, nil
}

// CloseShift marks the shift closed and drops every cached read that the
// closed state changes.
func (c *Client) CloseShift(ctx context.Context, shift domain.Shift, endTime time.Time) (domain.Shift, error) {
	if err := requireParams(map[string]string{"shift_id": shift.ID}); err != nil {
		return domain.Shift{}, err
	}
	end := endTime.UTC()
	req := domain.ShiftCloseRequest{IsClosed: true, EndTime: &end}

	var resp domain.ShiftResponse
	if err := c.send(ctx, http.MethodPatch, "/api/shifts/"+url.PathEscape(shift.ID), nil, req, &resp); err != nil {
		return domain.Shift{}, err
	}

	shop := map[string]string{"shopId": shift.ShopID}
	c.invalidate(ctx, cache.EntityCurrentShift, map[string]string{"userId": shift.UserID, "shopId": shift.ShopID})
	c.invalidate(ctx, cache.EntitySales, shop)
	c.invalidate(ctx, cache.EntityStockLevels, shop)
	c.invalidate(ctx, cache.EntityStockTransactions, shop)
	c.invalidate(ctx, cache.EntityCustomerBalances, shop)
	c.invalidate(ctx, cache.EntityCashMovements, map[string]string{"shiftId": shift.ID})
	return resp.Shift, nil
}

func (c *Client) RecordCashMovement(ctx context.Context, req domain.CashMovementRequest) (domain.CashMovement, error) {
	if err := checkInput(req.Validate()); err != nil {
		return domain.CashMovement{}, err
	}

	var resp domain.CashMovementResponse
	if err := c.send(ctx, http.MethodPost, "/api/shift-cash-movements", nil, req, &resp); err != nil {
		return domain.CashMovement{}, err
	}
	c.invalidate(ctx, cache.EntityCashMovements, map[string]string{"shiftId": req.ShiftID})
	return resp.Movement, nil
}

func (c *Client) CashMovements(ctx context.Context, shiftID string) ([]domain.CashMovement, error) {
	params := map[string]string{"shiftId": shiftID}
	if err := requireParams(params); err != nil {
		return nil, err
	}

	var resp domain.CashMovementListResponse
	if err := c.cachedGet(ctx, cache.EntityCashMovements, "/api/shift-cash-movements", params, &resp); err != nil {
		return nil, err
	}
	return resp.Movements, nil
}

func (c *Client) StockLevels(ctx context.Context, shopID string) ([]domain.StockLevel, error) {
	params := map[string]string{"shopId": shopID}
	if err := requireParams(params); err != nil {
		return nil, err
	}

	var resp domain.StockLevelListResponse
	if err := c.cachedGet(ctx, cache.EntityStockLevels, "/api/stock/levels", params, &resp); err != nil {
		return nil, err
	}
	return resp.Levels, nil
}

// SetStockLevel provisions an item's system quantity. Manager or admin only.
func (c *Client) SetStockLevel(ctx context.Context, req domain.StockLevelRequest) (domain.StockLevel, error) {
	req.ItemID = domain.NormalizeItemID(req.ItemID)
	if err := checkInput(req.Validate()); err != nil {
		return domain.StockLevel{}, err
	}

	var resp domain.StockLevelResponse
	if err := c.send(ctx, http.MethodPut, "/api/stock/levels", nil, req, &resp); err != nil {
		return domain.StockLevel{}, err
	}
	c.invalidate(ctx, cache.EntityStockLevels, map[string]string{"shopId": req.ShopID})
	return resp.Level, nil
}

func (c *Client) CreateBulkStockTakes(ctx context.Context, req domain.BulkStockTakeRequest) ([]domain.StockTake, error) {
	if err := checkInput(req.Validate()); err != nil {
		return nil, err
	}

	var resp domain.StockTakeListResponse
	if err := c.send(ctx, http.MethodPost, "/api/stock/takes/bulk", nil, req, &resp); err != nil {
		return nil, err
	}
	scope := map[string]string{"shiftId": req.ShiftID}
	c.invalidate(ctx, cache.EntityStockTakes, scope)
	c.invalidate(ctx, cache.EntityVarianceReport, scope)
	return resp.StockTakes, nil
}

func (c *Client) StockTakes(ctx context.Context, shiftID string) ([]domain.StockTake, error) {
	params := map[string]string{"shiftId": shiftID}
	if err := requireParams(params); err != nil {
		return nil, err
	}

	var resp domain.StockTakeListResponse
	if err := c.cachedGet(ctx, cache.EntityStockTakes, "/api/stock/takes", params, &resp); err != nil {
		return nil, err
	}
	return resp.StockTakes, nil
}

func (c *Client) VarianceReport(ctx context.Context, shiftID string) (domain.VarianceReport, error) {
	params := map[string]string{"shiftId": shiftID}
	if err := requireParams(params); err != nil {
		return domain.VarianceReport{}, err
	}

	var resp domain.VarianceReport
	if err := c.cachedGet(ctx, cache.EntityVarianceReport, "/api/stock/takes/variance-report", params, &resp); err != nil {
		return domain.VarianceReport{}, err
	}
	return resp, nil
}

// MarkStockTakeAdjusted is safe to repeat. Only the stock-takes cache is
// dropped; the level change already happened server side.
func (c *Client) MarkStockTakeAdjusted(ctx context.Context, stockTakeID string) (domain.StockTake, error) {
	if err := requireParams(map[string]string{"stock_take_id": stockTakeID}); err != nil {
		return domain.StockTake{}, err
	}

	var resp domain.StockTakeResponse
	path := "/api/stock/takes/" + url.PathEscape(stockTakeID) + "/adjust"
	if err := c.send(ctx, http.MethodPost, path, nil, nil, &resp); err != nil {
		return domain.StockTake{}, err
	}
	c.invalidate(ctx, cache.EntityStockTakes, map[string]string{"shiftId": resp.StockTake.ShiftID})
	return resp.StockTake, nil
}

func (c *Client) CreateReconciliation(ctx context.Context, req domain.ReconciliationRequest) (domain.ReconciliationResponse, error) {
	if err := checkInput(req.Validate()); err != nil {
		return domain.ReconciliationResponse{}, err
	}

	var resp domain.ReconciliationResponse
	if err := c.send(ctx, http.MethodPost, "/api/shift-reconciliation", nil, req, &resp); err != nil {
		return domain.ReconciliationResponse{}, err
	}
	return resp, nil
}

func (c *Client) RecordSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	if err := checkInput(req.Validate()); err != nil {
		return domain.Sale{}, err
	}

	var resp domain.SaleResponse
	if err := c.send(ctx, http.MethodPost, "/api/sales", nil, req, &resp); err != nil {
		return domain.Sale{}, err
	}
	shop := map[string]string{"shopId": req.ShopID}
	c.invalidate(ctx, cache.EntitySales, shop)
	c.invalidate(ctx, cache.EntityStockLevels, shop)
	c.invalidate(ctx, cache.EntityStockTransactions, shop)
	return resp.Sale, nil
}

func (c *Client) RecordExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	if err := checkInput(req.Validate()); err != nil {
		return domain.Expense{}, err
	}

	var resp domain.ExpenseResponse
	if err := c.send(ctx, http.MethodPost, "/api/expenses", nil, req, &resp); err != nil {
		return domain.Expense{}, err
	}
	c.invalidate(ctx, cache.EntityExpenses, map[string]string{"shopId": req.ShopID})
	return resp.Expense, nil
}

func (c *Client) SalesSummary(ctx context.Context, q domain.SummaryQuery) (domain.SalesSummary, error) {
	if err := checkInput(q.Validate()); err != nil {
		return domain.SalesSummary{}, err
	}

	var resp domain.SalesSummary
	if err := c.cachedGet(ctx, cache.EntitySales, "/api/sales/summary", summaryParams(q), &resp); err != nil {
		return domain.SalesSummary{}, err
	}
	return resp, nil
}

func (c *Client) ExpensesSummary(ctx context.Context, q domain.SummaryQuery) (domain.ExpensesSummary, error) {
	if err := checkInput(q.Validate()); err != nil {
		return domain.ExpensesSummary{}, err
	}

	var resp domain.ExpensesSummary
	if err := c.cachedGet(ctx, cache.EntityExpenses, "/api/expenses/summary", summaryParams(q), &resp); err != nil {
		return domain.ExpensesSummary{}, err
	}
	return resp, nil
}

func summaryParams(q domain.SummaryQuery) map[string]string {
	params := map[string]string{"shopId": q.ShopID, "date": q.Date}
	if q.ShiftID != "" {
		params["shiftId"] = q.ShiftID
	}
	return params
}

// cachedGet serves a GET from the cache when present and stores the raw reply
// otherwise. Cache failures degrade to a plain request.
func (c *Client) cachedGet(ctx context.Context, entity string, path string, params map[string]string, out any) error {
	key := cache.Key(entity, params)
	if raw, ok, err := c.cache.Get(ctx, key); err != nil {
		c.logger.Warn("query cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		if err := json.Unmarshal(raw, out); err == nil {
			return nil
		}
	}

	query := url.Values{}
	for k, v := range params {
		if v != "" {
			query.Set(k, v)
		}
	}
	raw, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Status: http.StatusOK, Message: "decode response", Err: err}
	}
	if err := c.cache.Set(ctx, key, raw, c.cacheTTL); err != nil {
		c.logger.Warn("query cache write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

func (c *Client) invalidate(ctx context.Context, entity string, scope map[string]string) {
	if err := c.cache.Invalidate(ctx, entity, scope); err != nil {
		c.logger.Warn("query cache invalidate failed", zap.String("entity", entity), zap.Error(err))
	}
}

func (c *Client) send(ctx context.Context, method string, path string, query url.Values, body any, out any) error {
	raw, err := c.do(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &APIError{Status: http.StatusOK, Message: "decode response", Err: err}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, path string, query url.Values, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, &APIError{Err: err}
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, &APIError{Err: err}
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return raw, nil
	}
	return nil, decodeFailure(res.StatusCode, raw)
}

type errorBody struct {
	Error  string            `json:"error"`
	Fields map[string]string `json:"fields"`
}

func decodeFailure(status int, raw []byte) error {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil || body.Error == "" {
		body.Error = http.StatusText(status)
	}

	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &ValidationError{Fields: body.Fields, Message: body.Error}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthError{Status: status, Message: body.Error}
	default:
		return &APIError{Status: status, Message: body.Error}
	}
}

// checkInput converts a domain validation failure into the client taxonomy.
func checkInput(err error) error {
	if err == nil {
		return nil
	}
	var derr *domain.ValidationError
	if errors.As(err, &derr) {
		return &ValidationError{Fields: derr.Fields, Message: derr.Error()}
	}
	return &ValidationError{Message: err.Error()}
}

func requireParams(params map[string]string) error {
	missing := map[string]string{}
	for k, v := range params {
		if strings.TrimSpace(v) == "" {
			missing[k] = "required"
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &ValidationError{Fields: missing, Message: "missing parameters"}
}
