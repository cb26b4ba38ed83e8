// Package dashboard combines the daily sales and expense totals for the
// signed-in user's scope: the whole shop for managers, the open shift for
// cashiers.
package dashboard

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"dukapos/internal/appstate"
	"dukapos/internal/domain"
)

var (
	ErrNotSignedIn = errors.New("no signed-in user")
	ErrNoShop      = errors.New("no shop selected")
)

const (
	ScopeShop  = "shop"
	ScopeShift = "shift"
)

type Summaries interface {
	SalesSummary(ctx context.Context, q domain.SummaryQuery) (domain.SalesSummary, error)
	ExpensesSummary(ctx context.Context, q domain.SummaryQuery) (domain.ExpensesSummary, error)
}

type Metrics struct {
	ShopID       string          `json:"shop_id"`
	Date         string          `json:"date"`
	Scope        string          `json:"scope"`
	ShiftID      string          `json:"shift_id,omitempty"`
	Currency     string          `json:"currency"`
	Sales        decimal.Decimal `json:"sales"`
	CashSales    decimal.Decimal `json:"cash_sales"`
	MpesaSales   decimal.Decimal `json:"mpesa_sales"`
	SalesCount   int             `json:"sales_count"`
	Expenses     decimal.Decimal `json:"expenses"`
	ExpenseCount int             `json:"expense_count"`
	Net          decimal.Decimal `json:"net"`
}

type Dashboard struct {
	api    Summaries
	app    *appstate.Store
	logger *zap.Logger
}

func New(api Summaries, app *appstate.Store, logger *zap.Logger) *Dashboard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dashboard{api: api, app: app, logger: logger}
}

// Load is an in-flight dashboard fetch.
type Load struct {
	done    chan struct{}
	metrics Metrics
	err     error
}

func (l *Load) IsLoading() bool {
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Wait blocks until the fetch finishes or ctx is done.
func (l *Load) Wait(ctx context.Context) (Metrics, error) {
	select {
	case <-l.done:
		return l.metrics, l.err
	case <-ctx.Done():
		return Metrics{}, ctx.Err()
	}
}

// Start begins fetching metrics for date in the background.
func (d *Dashboard) Start(ctx context.Context, date time.Time) *Load {
	l := &Load{done: make(chan struct{})}
	go func() {
		defer close(l.done)
		l.metrics, l.err = d.Metrics(ctx, date)
	}()
	return l
}

// Metrics fetches both summaries concurrently and returns zeroed totals for
// anything the server did not report.
func (d *Dashboard) Metrics(ctx context.Context, date time.Time) (Metrics, error) {
	user, ok := d.app.User()
	if !ok {
		return Metrics{}, ErrNotSignedIn
	}
	shopID := d.app.ShopID()
	if shopID == "" {
		return Metrics{}, ErrNoShop
	}

	m := Metrics{
		ShopID:     shopID,
		Date:       date.Format("2006-01-02"),
		Scope:      ScopeShop,
		Currency:   d.app.Currency(),
		Sales:      decimal.Zero,
		CashSales:  decimal.Zero,
		MpesaSales: decimal.Zero,
		Expenses:   decimal.Zero,
		Net:        decimal.Zero,
	}
	q := domain.SummaryQuery{ShopID: shopID, Date: m.Date}
	if !domain.IsShopLevel(user.Role) {
		m.Scope = ScopeShift
		shift := d.app.ActiveShift()
		if shift == nil {
			return m, nil
		}
		q.ShiftID = shift.ID
		m.ShiftID = shift.ID
	}

	var (
		sales    domain.SalesSummary
		expenses domain.ExpensesSummary
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = d.api.SalesSummary(gctx, q)
		return err
	})
	g.Go(func() error {
		var err error
		expenses, err = d.api.ExpensesSummary(gctx, q)
		return err
	})
	if err := g.Wait(); err != nil {
		d.logger.Warn("dashboard metrics", zap.String("shop_id", shopID), zap.String("shift_id", q.ShiftID), zap.Error(err))
		return Metrics{}, err
	}

	m.Sales = sales.TotalSales
	m.CashSales = sales.CashSales
	m.MpesaSales = sales.MpesaSales
	m.SalesCount = sales.Count
	m.Expenses = expenses.TotalExpenses
	m.ExpenseCount = expenses.Count
	m.Net = m.Sales.Sub(m.Expenses)
	return m, nil
}
