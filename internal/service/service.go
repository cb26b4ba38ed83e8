package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dukapos/internal/domain"
	"dukapos/internal/ledger"
	"dukapos/internal/store"
	"dukapos/internal/variance"
)

var (
	ErrForbidden              = errors.New("forbidden")
	ErrShiftAlreadyOpen       = errors.New("shift already open for this user and shop")
	ErrShiftClosed            = errors.New("shift is closed")
	ErrReconciliationRequired = errors.New("shift reconciliation required before close")
	ErrAlreadyReconciled      = errors.New("shift already reconciled")
	ErrStockTakeRequired      = errors.New("stock take required before reconciliation")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo          store.Repository
	logger        *zap.Logger
	defaultShopID string
	now           func() time.Time
}

func New(repo store.Repository, logger *zap.Logger, defaultShopID string) *Service {
	if defaultShopID == "" {
		defaultShopID = "main-shop"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Service{
		repo:          repo,
		logger:        logger,
		defaultShopID: defaultShopID,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) OpenShift(ctx context.Context, req domain.ShiftCreateRequest) (domain.ShiftResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	req.ShopID = defaultString(strings.TrimSpace(req.ShopID), s.defaultShopID)
	req.UserID = defaultString(strings.TrimSpace(req.UserID), actor.UserID)
	if err := req.Validate(); err != nil {
		return domain.ShiftResponse{}, err
	}
	if !canActFor(actor, req.UserID, req.ShopID) {
		return domain.ShiftResponse{}, ErrForbidden
	}

	saved, err := s.repo.CreateShift(ctx, domain.Shift{
		ShopID:       req.ShopID,
		UserID:       req.UserID,
		StartTime:    s.now(),
		OpeningFloat: req.OpeningFloat,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.ShiftResponse{}, ErrShiftAlreadyOpen
		}
		return domain.ShiftResponse{}, err
	}

	s.logAudit(ctx, saved.ShopID, "shift_open", "shift", saved.ID, "opening_float="+saved.OpeningFloat.String())
	return domain.ShiftResponse{Shift: *saved}, nil
}

// CurrentShift returns the open shift for the pair, or a nil shift.
func (s *Service) CurrentShift(ctx context.Context, userID string, shopID string) (domain.CurrentShiftResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.CurrentShiftResponse{}, err
	}
	shopID = defaultString(strings.TrimSpace(shopID), s.defaultShopID)
	userID = defaultString(strings.TrimSpace(userID), actor.UserID)
	if !canActFor(actor, userID, shopID) {
		return domain.CurrentShiftResponse{}, ErrForbidden
	}

	shift, err := s.repo.GetOpenShift(ctx, userID, shopID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.CurrentShiftResponse{}, nil
		}
		return domain.CurrentShiftResponse{}, err
	}
	return domain.CurrentShiftResponse{Shift: shift}, nil
}

func (s *Service) CloseShift(ctx context.Context, shiftID string, req domain.ShiftCloseRequest) (domain.ShiftResponse, error) {
	if !req.IsClosed {
		return domain.ShiftResponse{}, &domain.ValidationError{Fields: map[string]string{"is_closed": "must be true"}}
	}
	shift, err := s.authorizedShift(ctx, shiftID)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	if shift.IsClosed {
		return domain.ShiftResponse{}, ErrShiftClosed
	}
	if _, err := s.repo.GetReconciliation(ctx, shift.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.ShiftResponse{}, ErrReconciliationRequired
		}
		return domain.ShiftResponse{}, err
	}

	endTime := s.now()
	if req.EndTime != nil && !req.EndTime.IsZero() {
		endTime = req.EndTime.UTC()
	}
	if endTime.Before(shift.StartTime) {
		return domain.ShiftResponse{}, &domain.ValidationError{Fields: map[string]string{"end_time": "before shift start"}}
	}

	closed, err := s.repo.CloseShift(ctx, shift.ID, endTime)
	if err != nil {
		return domain.ShiftResponse{}, err
	}
	s.logAudit(ctx, closed.ShopID, "shift_close", "shift", closed.ID, "end_time="+endTime.Format(time.RFC3339))
	return domain.ShiftResponse{Shift: *closed}, nil
}

func (s *Service) RecordCashMovement(ctx context.Context, req domain.CashMovementRequest) (domain.CashMovementResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.CashMovementResponse{}, err
	}
	shift, err := s.openShift(ctx, req.ShiftID)
	if err != nil {
		return domain.CashMovementResponse{}, err
	}
	actor, _ := ActorFromContext(ctx)

	saved, err := s.repo.AppendCashMovement(ctx, domain.CashMovement{
		ShiftID:      shift.ID,
		Amount:       req.MovementType.Signed(req.Amount),
		MovementType: req.MovementType,
		Note:         strings.TrimSpace(req.Note),
		Timestamp:    s.now(),
		RecordedBy:   defaultString(strings.TrimSpace(req.RecordedBy), actor.UserID),
	})
	if err != nil {
		return domain.CashMovementResponse{}, err
	}
	return domain.CashMovementResponse{Movement: *saved}, nil
}

func (s *Service) ListCashMovements(ctx context.Context, shiftID string) (domain.CashMovementListResponse, error) {
	shift, err := s.authorizedShift(ctx, shiftID)
	if err != nil {
		return domain.CashMovementListResponse{}, err
	}
	movements, err := s.repo.ListCashMovements(ctx, shift.ID)
	if err != nil {
		return domain.CashMovementListResponse{}, err
	}
	return domain.CashMovementListResponse{Movements: movements}, nil
}

func (s *Service) ListStockLevels(ctx context.Context, shopID string) (domain.StockLevelListResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.StockLevelListResponse{}, err
	}
	shopID = defaultString(strings.TrimSpace(shopID), s.defaultShopID)
	if !canSeeShop(actor, shopID) {
		return domain.StockLevelListResponse{}, ErrForbidden
	}
	levels, err := s.repo.ListStockLevels(ctx, shopID)
	if err != nil {
		return domain.StockLevelListResponse{}, err
	}
	return domain.StockLevelListResponse{Levels: levels}, nil
}

// SetStockLevel provisions or corrects the system quantity of an item.
func (s *Service) SetStockLevel(ctx context.Context, req domain.StockLevelRequest) (domain.StockLevelResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.StockLevelResponse{}, err
	}
	if !domain.IsShopLevel(actor.Role) {
		return domain.StockLevelResponse{}, ErrForbidden
	}
	req.ShopID = defaultString(strings.TrimSpace(req.ShopID), s.defaultShopID)
	req.ItemID = domain.NormalizeItemID(req.ItemID)
	req.Name = strings.TrimSpace(req.Name)
	if err := req.Validate(); err != nil {
		return domain.StockLevelResponse{}, err
	}
	if !canSeeShop(actor, req.ShopID) {
		return domain.StockLevelResponse{}, ErrForbidden
	}

	level := domain.StockLevel{
		ItemID:    req.ItemID,
		ShopID:    req.ShopID,
		Name:      req.Name,
		Qty:       req.Qty,
		UpdatedAt: s.now(),
	}
	if err := s.repo.UpsertStockLevel(ctx, level); err != nil {
		return domain.StockLevelResponse{}, err
	}
	levels, err := s.repo.ListStockLevels(ctx, req.ShopID)
	if err != nil {
		return domain.StockLevelResponse{}, err
	}
	for _, stored := range levels {
		if stored.ItemID == level.ItemID {
			level = stored
			break
		}
	}
	s.logAudit(ctx, req.ShopID, "stock_level_set", "stock_level", level.ItemID, fmt.Sprintf("qty=%d", level.Qty))
	return domain.StockLevelResponse{Level: level}, nil
}

// CreateBulkStockTakes records one count per item for an open, not yet
// reconciled shift. The batch is applied whole or not at all.
func (s *Service) CreateBulkStockTakes(ctx context.Context, req domain.BulkStockTakeRequest) (domain.StockTakeListResponse, error) {
	for i := range req.Entries {
		req.Entries[i].ItemID = domain.NormalizeItemID(req.Entries[i].ItemID)
		req.Entries[i].ShopID = strings.TrimSpace(req.Entries[i].ShopID)
	}
	if err := req.Validate(); err != nil {
		return domain.StockTakeListResponse{}, err
	}
	shift, err := s.openShift(ctx, req.ShiftID)
	if err != nil {
		return domain.StockTakeListResponse{}, err
	}
	if err := s.requireUnreconciled(ctx, shift.ID); err != nil {
		return domain.StockTakeListResponse{}, err
	}
	actor, _ := ActorFromContext(ctx)

	levels, err := s.repo.ListStockLevels(ctx, shift.ShopID)
	if err != nil {
		return domain.StockTakeListResponse{}, err
	}
	known := make(map[string]bool, len(levels))
	for _, level := range levels {
		known[domain.NormalizeItemID(level.ItemID)] = true
	}
	verr := &domain.ValidationError{Fields: map[string]string{}}
	for i, entry := range req.Entries {
		switch {
		case entry.ShopID != shift.ShopID:
			verr.Fields[fmt.Sprintf("entries[%d].shop_id", i)] = "does not match shift shop"
		case !known[entry.ItemID]:
			verr.Fields[fmt.Sprintf("entries[%d].item_id", i)] = "unknown item"
		}
	}
	if len(verr.Fields) > 0 {
		return domain.StockTakeListResponse{}, verr
	}

	countedAt := s.now()
	takes := make([]domain.StockTake, 0, len(req.Entries))
	for _, entry := range req.Entries {
		takes = append(takes, domain.StockTake{
			ItemID:     entry.ItemID,
			ShopID:     entry.ShopID,
			ShiftID:    shift.ID,
			CountedQty: entry.CountedQty,
			CountedBy:  defaultString(strings.TrimSpace(req.CountedBy), actor.UserID),
			CountedAt:  countedAt,
			Notes:      strings.TrimSpace(entry.Notes),
		})
	}

	saved, err := s.repo.SaveStockTakes(ctx, takes)
	if err != nil {
		return domain.StockTakeListResponse{}, err
	}
	s.logAudit(ctx, shift.ShopID, "stock_take_bulk", "shift", shift.ID, fmt.Sprintf("items=%d", len(saved)))
	return domain.StockTakeListResponse{StockTakes: saved}, nil
}

func (s *Service) ListStockTakes(ctx context.Context, shiftID string) (domain.StockTakeListResponse, error) {
	shift, err := s.authorizedShift(ctx, shiftID)
	if err != nil {
		return domain.StockTakeListResponse{}, err
	}
	takes, err := s.repo.ListStockTakes(ctx, shift.ID)
	if err != nil {
		return domain.StockTakeListResponse{}, err
	}
	return domain.StockTakeListResponse{StockTakes: takes}, nil
}

func (s *Service) VarianceReport(ctx context.Context, shiftID string) (domain.VarianceReport, error) {
	shift, err := s.authorizedShift(ctx, shiftID)
	if err != nil {
		return domain.VarianceReport{}, err
	}
	takes, err := s.repo.ListStockTakes(ctx, shift.ID)
	if err != nil {
		return domain.VarianceReport{}, err
	}
	return variance.Report(shift.ID, takes), nil
}

// MarkStockTakeAdjusted applies a take's count to the stock level. Repeating
// the call returns the already adjusted take.
func (s *Service) MarkStockTakeAdjusted(ctx context.Context, stockTakeID string) (domain.StockTakeResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.StockTakeResponse{}, err
	}
	if !domain.IsShopLevel(actor.Role) {
		return domain.StockTakeResponse{}, ErrForbidden
	}
	existing, err := s.repo.GetStockTake(ctx, strings.TrimSpace(stockTakeID))
	if err != nil {
		return domain.StockTakeResponse{}, err
	}
	if !canSeeShop(actor, existing.ShopID) {
		return domain.StockTakeResponse{}, ErrForbidden
	}

	take, applied, err := s.repo.MarkStockTakeAdjusted(ctx, existing.ID, s.now())
	if err != nil {
		return domain.StockTakeResponse{}, err
	}
	if applied {
		s.logAudit(ctx, take.ShopID, "stock_take_adjust", "stock_take", take.ID,
			fmt.Sprintf("item=%s,qty=%d,variance=%d", take.ItemID, take.CountedQty, take.CountedQty-take.ExpectedQty))
	}
	return domain.StockTakeResponse{StockTake: *take}, nil
}

// CreateReconciliation records declared totals and compares them with the
// cash implied by the float, the movement ledger and the shift's sales.
func (s *Service) CreateReconciliation(ctx context.Context, req domain.ReconciliationRequest) (domain.ReconciliationResponse, error) {
	if err := req.Validate(); err != nil {
		return domain.ReconciliationResponse{}, err
	}
	shift, err := s.openShift(ctx, req.ShiftID)
	if err != nil {
		return domain.ReconciliationResponse{}, err
	}
	if err := s.requireUnreconciled(ctx, shift.ID); err != nil {
		return domain.ReconciliationResponse{}, err
	}
	takes, err := s.repo.ListStockTakes(ctx, shift.ID)
	if err != nil {
		return domain.ReconciliationResponse{}, err
	}
	if len(takes) == 0 {
		// A shop with nothing stocked has nothing to count.
		levels, err := s.repo.ListStockLevels(ctx, shift.ShopID)
		if err != nil {
			return domain.ReconciliationResponse{}, err
		}
		if len(levels) > 0 {
			return domain.ReconciliationResponse{}, ErrStockTakeRequired
		}
	}

	movements, err := s.repo.ListCashMovements(ctx, shift.ID)
	if err != nil {
		return domain.ReconciliationResponse{}, err
	}
	now := s.now()
	sales, err := s.repo.GetSalesSummary(ctx, shift.ShopID, shift.ID, shift.StartTime, now.Add(time.Second))
	if err != nil {
		return domain.ReconciliationResponse{}, err
	}

	rec, err := s.repo.CreateReconciliation(ctx, domain.ShiftReconciliation{
		ShiftID:     shift.ID,
		CashAmount:  req.CashAmount,
		MpesaAmount: req.MpesaAmount,
		CreatedAt:   now,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.ReconciliationResponse{}, ErrAlreadyReconciled
		}
		return domain.ReconciliationResponse{}, err
	}

	book := ledger.New(shift.ID, movements)
	resp := domain.ReconciliationResponse{
		Reconciliation: *rec,
		Cash:           variance.Cash(book.ExpectedCash(shift.OpeningFloat, sales.CashSales), req.CashAmount),
		Mpesa:          variance.Cash(sales.MpesaSales, req.MpesaAmount),
	}
	s.logAudit(ctx, shift.ShopID, "shift_reconcile", "shift", shift.ID,
		fmt.Sprintf("cash=%s,mpesa=%s,cash_class=%s", req.CashAmount, req.MpesaAmount, resp.Cash.Classification))
	return resp, nil
}

func (s *Service) RecordSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SaleResponse, error) {
	for i := range req.Lines {
		req.Lines[i].ItemID = domain.NormalizeItemID(req.Lines[i].ItemID)
	}
	if err := req.Validate(); err != nil {
		return domain.SaleResponse{}, err
	}
	shift, err := s.openShift(ctx, req.ShiftID)
	if err != nil {
		return domain.SaleResponse{}, err
	}
	if shift.ShopID != req.ShopID {
		return domain.SaleResponse{}, &domain.ValidationError{Fields: map[string]string{"shop_id": "does not match shift shop"}}
	}
	actor, _ := ActorFromContext(ctx)

	saved, err := s.repo.CreateSale(ctx, domain.Sale{
		ShopID:        req.ShopID,
		ShiftID:       shift.ID,
		PaymentMethod: req.PaymentMethod,
		Lines:         req.Lines,
		Total:         req.Total(),
		RecordedBy:    actor.UserID,
		CreatedAt:     s.now(),
	})
	if err != nil {
		return domain.SaleResponse{}, err
	}
	return domain.SaleResponse{Sale: *saved}, nil
}

func (s *Service) RecordExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.ExpenseResponse, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return domain.ExpenseResponse{}, err
	}
	req.ShopID = defaultString(strings.TrimSpace(req.ShopID), s.defaultShopID)
	req.Category = strings.ToLower(strings.TrimSpace(req.Category))
	if err := req.Validate(); err != nil {
		return domain.ExpenseResponse{}, err
	}
	if !canSeeShop(actor, req.ShopID) {
		return domain.ExpenseResponse{}, ErrForbidden
	}
	if req.ShiftID != "" {
		shift, err := s.openShift(ctx, req.ShiftID)
		if err != nil {
			return domain.ExpenseResponse{}, err
		}
		if shift.ShopID != req.ShopID {
			return domain.ExpenseResponse{}, &domain.ValidationError{Fields: map[string]string{"shop_id": "does not match shift shop"}}
		}
	} else if !domain.IsShopLevel(actor.Role) {
		return domain.ExpenseResponse{}, &domain.ValidationError{Fields: map[string]string{"shift_id": "required"}}
	}

	saved, err := s.repo.CreateExpense(ctx, domain.Expense{
		ShopID:      req.ShopID,
		ShiftID:     req.ShiftID,
		Amount:      req.Amount,
		Category:    req.Category,
		Description: strings.TrimSpace(req.Description),
		RecordedBy:  actor.UserID,
		CreatedAt:   s.now(),
	})
	if err != nil {
		return domain.ExpenseResponse{}, err
	}
	return domain.ExpenseResponse{Expense: *saved}, nil
}

func (s *Service) SalesSummary(ctx context.Context, q domain.SummaryQuery) (domain.SalesSummary, error) {
	from, to, err := s.summaryWindow(ctx, &q)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	summary, err := s.repo.GetSalesSummary(ctx, q.ShopID, q.ShiftID, from, to)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	summary.Date = q.Date
	return summary, nil
}

func (s *Service) ExpensesSummary(ctx context.Context, q domain.SummaryQuery) (domain.ExpensesSummary, error) {
	from, to, err := s.summaryWindow(ctx, &q)
	if err != nil {
		return domain.ExpensesSummary{}, err
	}
	summary, err := s.repo.GetExpensesSummary(ctx, q.ShopID, q.ShiftID, from, to)
	if err != nil {
		return domain.ExpensesSummary{}, err
	}
	summary.Date = q.Date
	return summary, nil
}

// summaryWindow validates the query and returns the UTC day it covers.
// Cashiers are limited to shifts they own.
func (s *Service) summaryWindow(ctx context.Context, q *domain.SummaryQuery) (time.Time, time.Time, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	q.ShopID = defaultString(strings.TrimSpace(q.ShopID), s.defaultShopID)
	q.ShiftID = strings.TrimSpace(q.ShiftID)
	if strings.TrimSpace(q.Date) == "" {
		q.Date = s.now().Format("2006-01-02")
	}
	if err := q.Validate(); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !canSeeShop(actor, q.ShopID) {
		return time.Time{}, time.Time{}, ErrForbidden
	}
	if !domain.IsShopLevel(actor.Role) {
		if q.ShiftID == "" {
			return time.Time{}, time.Time{}, ErrForbidden
		}
		if _, err := s.authorizedShift(ctx, q.ShiftID); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}

	day, err := time.Parse("2006-01-02", q.Date)
	if err != nil {
		return time.Time{}, time.Time{}, store.ErrInvalidTransaction
	}
	from := day.UTC()
	return from, from.Add(24 * time.Hour), nil
}

func (s *Service) authorizedShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	shift, err := s.repo.GetShift(ctx, strings.TrimSpace(shiftID))
	if err != nil {
		return nil, err
	}
	if !canActFor(actor, shift.UserID, shift.ShopID) {
		return nil, ErrForbidden
	}
	return shift, nil
}

func (s *Service) openShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	shift, err := s.authorizedShift(ctx, shiftID)
	if err != nil {
		return nil, err
	}
	if shift.IsClosed {
		return nil, ErrShiftClosed
	}
	return shift, nil
}

func (s *Service) requireUnreconciled(ctx context.Context, shiftID string) error {
	_, err := s.repo.GetReconciliation(ctx, shiftID)
	switch {
	case err == nil:
		return ErrAlreadyReconciled
	case errors.Is(err, store.ErrNotFound):
		return nil
	default:
		return err
	}
}

func (s *Service) logAudit(ctx context.Context, shopID string, action string, entityType string, entityID string, detail string) {
	actor, _ := ActorFromContext(ctx)
	entry := domain.AuditLog{
		ShopID:     shopID,
		ActorID:    defaultString(actor.UserID, "system"),
		ActorRole:  defaultString(actor.Role, "system"),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}
	s.logger.Info("audit",
		zap.String("action", action),
		zap.String("shop_id", shopID),
		zap.String("entity", entityType+"/"+entityID),
		zap.String("actor", entry.ActorID),
		zap.String("detail", detail),
	)
	if err := s.repo.CreateAuditLog(ctx, entry); err != nil {
		s.logger.Warn("audit log write failed", zap.String("action", action), zap.Error(err))
	}
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.UserID == "" {
		return domain.Actor{}, ErrForbidden
	}
	return actor, nil
}

// canSeeShop lets admins see every shop and everyone else only their own.
func canSeeShop(actor domain.Actor, shopID string) bool {
	return actor.Role == domain.RoleAdmin || actor.ShopID == shopID
}

// canActFor allows shop-level roles to act on anyone in a visible shop and
// cashiers only on themselves.
func canActFor(actor domain.Actor, userID string, shopID string) bool {
	if !canSeeShop(actor, shopID) {
		return false
	}
	return domain.IsShopLevel(actor.Role) || actor.UserID == userID
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
