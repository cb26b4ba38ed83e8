// Package session drives one user's shift through open, cash movements,
// stock take, reconciliation and close. Calls made out of order fail with
// ErrInvalidTransition before anything is sent to the server.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"dukapos/internal/appstate"
	"dukapos/internal/client"
	"dukapos/internal/domain"
)

type State string

const (
	StateNoActiveShift State = "no_active_shift"
	StateOpen          State = "open"
	StateReconciling   State = "reconciling"
	StateClosed        State = "closed"
)

var (
	ErrInvalidTransition = errors.New("invalid shift transition")
	ErrNotSignedIn       = errors.New("no signed-in user")
	ErrNoShop            = errors.New("no shop selected")
	ErrShiftAlreadyOpen  = errors.New("a shift is already open for this user and shop")
)

// API is the subset of the shop client the workflow needs.
type API interface {
	CurrentShift(ctx context.Context, userID string, shopID string) (*domain.Shift, error)
	CreateShift(ctx context.Context, req domain.ShiftCreateRequest) (domain.Shift, error)
	RecordCashMovement(ctx context.Context, req domain.CashMovementRequest) (domain.CashMovement, error)
	StockLevels(ctx context.Context, shopID string) ([]domain.StockLevel, error)
	CreateBulkStockTakes(ctx context.Context, req domain.BulkStockTakeRequest) ([]domain.StockTake, error)
	VarianceReport(ctx context.Context, shiftID string) (domain.VarianceReport, error)
	CreateReconciliation(ctx context.Context, req domain.ReconciliationRequest) (domain.ReconciliationResponse, error)
	CloseShift(ctx context.Context, shift domain.Shift, endTime time.Time) (domain.Shift, error)
}

// Count is one counted item submitted at reconciliation.
type Count struct {
	ItemID string
	Qty    int
	Notes  string
}

type Session struct {
	mu     sync.Mutex
	api    API
	app    *appstate.Store
	logger *zap.Logger
	now    func() time.Time

	state          State
	shift          *domain.Shift
	items          []domain.StockLevel
	takes          []domain.StockTake
	reconciliation *domain.ReconciliationResponse
}

func New(api API, app *appstate.Store, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		api:    api,
		app:    app,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		state:  StateNoActiveShift,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Shift returns a copy of the shift being worked, or nil.
func (s *Session) Shift() *domain.Shift {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shift == nil {
		return nil
	}
	shift := *s.shift
	return &shift
}

// Items returns the stock levels the pending stock take must cover.
func (s *Session) Items() []domain.StockLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.StockLevel(nil), s.items...)
}

// Resume looks up the server's open shift for the signed-in user and shop.
func (s *Session) Resume(ctx context.Context) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("resume", StateNoActiveShift, StateClosed); err != nil {
		return s.state, err
	}
	user, shopID, err := s.identity()
	if err != nil {
		return s.state, err
	}

	current, err := s.api.CurrentShift(ctx, user.ID, shopID)
	if err != nil {
		return s.state, err
	}
	if current == nil {
		if err := s.app.ClearActiveShift(ctx); err != nil {
			return s.state, err
		}
		s.reset(StateNoActiveShift, nil)
		return s.state, nil
	}
	if err := s.app.SetActiveShift(ctx, *current); err != nil {
		return s.state, err
	}
	s.reset(StateOpen, current)
	return s.state, nil
}

// Open starts a shift with the given float after confirming none is open.
func (s *Session) Open(ctx context.Context, openingFloat decimal.Decimal) (domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("open", StateNoActiveShift, StateClosed); err != nil {
		return domain.Shift{}, err
	}
	user, shopID, err := s.identity()
	if err != nil {
		return domain.Shift{}, err
	}

	current, err := s.api.CurrentShift(ctx, user.ID, shopID)
	if err != nil {
		return domain.Shift{}, err
	}
	if current != nil {
		return domain.Shift{}, fmt.Errorf("%w: %s", ErrShiftAlreadyOpen, current.ID)
	}

	shift, err := s.api.CreateShift(ctx, domain.ShiftCreateRequest{
		ShopID:       shopID,
		UserID:       user.ID,
		OpeningFloat: openingFloat,
	})
	if err != nil {
		return domain.Shift{}, err
	}
	if err := s.app.SetActiveShift(ctx, shift); err != nil {
		return domain.Shift{}, err
	}
	s.reset(StateOpen, &shift)
	s.logger.Info("shift opened", zap.String("shift_id", shift.ID), zap.String("shop_id", shopID))
	return shift, nil
}

// RecordCashMovement appends a float, cash-in or cash-out entry. Amount is a
// positive magnitude; the server stores cash-out negative.
func (s *Session) RecordCashMovement(ctx context.Context, movementType domain.CashMovementType, amount decimal.Decimal, note string) (domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("record cash movement", StateOpen); err != nil {
		return domain.CashMovement{}, err
	}
	user, _ := s.app.User()

	movement, err := s.api.RecordCashMovement(ctx, domain.CashMovementRequest{
		ShiftID:      s.shift.ID,
		Amount:       amount,
		MovementType: movementType,
		Note:         strings.TrimSpace(note),
		RecordedBy:   user.ID,
	})
	if err != nil {
		s.logger.Warn("cash movement not recorded",
			zap.String("shift_id", s.shift.ID),
			zap.String("movement_type", string(movementType)),
			zap.String("amount", amount.String()),
			zap.Error(err),
		)
		return domain.CashMovement{}, err
	}
	return movement, nil
}

// BeginReconciliation moves an open shift into reconciliation and returns the
// items the stock take has to cover.
func (s *Session) BeginReconciliation(ctx context.Context) ([]domain.StockLevel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("begin reconciliation", StateOpen); err != nil {
		return nil, err
	}

	levels, err := s.api.StockLevels(ctx, s.shift.ShopID)
	if err != nil {
		return nil, err
	}
	s.items = append([]domain.StockLevel(nil), levels...)
	s.state = StateReconciling
	return append([]domain.StockLevel(nil), levels...), nil
}

// CancelReconciliation returns to Open while nothing has been submitted.
func (s *Session) CancelReconciliation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("cancel reconciliation", StateReconciling); err != nil {
		return err
	}
	if s.takes != nil {
		return fmt.Errorf("%w: stock take already submitted", ErrInvalidTransition)
	}
	s.items = nil
	s.state = StateOpen
	return nil
}

// SubmitStockTakes sends one count for every item loaded by
// BeginReconciliation and returns the resulting variance report.
func (s *Session) SubmitStockTakes(ctx context.Context, counts []Count) (domain.VarianceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("submit stock takes", StateReconciling); err != nil {
		return domain.VarianceReport{}, err
	}
	if s.takes != nil {
		return domain.VarianceReport{}, fmt.Errorf("%w: stock take already submitted", ErrInvalidTransition)
	}
	entries, err := s.coverage(counts)
	if err != nil {
		return domain.VarianceReport{}, err
	}
	if len(entries) == 0 {
		// Nothing stocked, nothing to count.
		s.takes = []domain.StockTake{}
		return domain.VarianceReport{ShiftID: s.shift.ID, Items: []domain.VarianceLine{}}, nil
	}
	user, _ := s.app.User()

	takes, err := s.api.CreateBulkStockTakes(ctx, domain.BulkStockTakeRequest{
		ShiftID:   s.shift.ID,
		CountedBy: user.ID,
		Entries:   entries,
	})
	if err != nil {
		return domain.VarianceReport{}, err
	}
	s.takes = takes

	report, err := s.api.VarianceReport(ctx, s.shift.ID)
	if err != nil {
		return domain.VarianceReport{}, fmt.Errorf("stock take saved, variance report unavailable: %w", err)
	}
	return report, nil
}

// VarianceReport refetches the report for the shift under reconciliation.
func (s *Session) VarianceReport(ctx context.Context) (domain.VarianceReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("variance report", StateReconciling); err != nil {
		return domain.VarianceReport{}, err
	}
	if s.takes == nil {
		return domain.VarianceReport{}, fmt.Errorf("%w: no stock take submitted", ErrInvalidTransition)
	}
	return s.api.VarianceReport(ctx, s.shift.ID)
}

// SubmitReconciliation records the declared cash and mobile-money totals.
func (s *Session) SubmitReconciliation(ctx context.Context, cash decimal.Decimal, mpesa decimal.Decimal) (domain.ReconciliationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("submit reconciliation", StateReconciling); err != nil {
		return domain.ReconciliationResponse{}, err
	}
	switch {
	case s.takes == nil:
		return domain.ReconciliationResponse{}, fmt.Errorf("%w: stock take required first", ErrInvalidTransition)
	case s.reconciliation != nil:
		return domain.ReconciliationResponse{}, fmt.Errorf("%w: already reconciled", ErrInvalidTransition)
	}

	resp, err := s.api.CreateReconciliation(ctx, domain.ReconciliationRequest{
		ShiftID:     s.shift.ID,
		CashAmount:  cash,
		MpesaAmount: mpesa,
	})
	if err != nil {
		s.logger.Warn("reconciliation not recorded",
			zap.String("shift_id", s.shift.ID),
			zap.String("cash", cash.String()),
			zap.String("mpesa", mpesa.String()),
			zap.Error(err),
		)
		return domain.ReconciliationResponse{}, err
	}
	s.reconciliation = &resp
	if resp.Cash.Classification != domain.CashVarianceNormal {
		s.logger.Warn("cash variance",
			zap.String("shift_id", s.shift.ID),
			zap.String("classification", resp.Cash.Classification),
			zap.String("difference", resp.Cash.Difference.String()),
		)
	}
	return resp, nil
}

// Close ends a reconciled shift. Closed is terminal for that shift; Open
// starts a new one.
func (s *Session) Close(ctx context.Context) (domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.require("close", StateReconciling); err != nil {
		return domain.Shift{}, err
	}
	if s.reconciliation == nil {
		return domain.Shift{}, fmt.Errorf("%w: reconciliation required before close", ErrInvalidTransition)
	}

	closed, err := s.api.CloseShift(ctx, *s.shift, s.now())
	if err != nil {
		return domain.Shift{}, err
	}
	if err := s.app.ClearActiveShift(ctx); err != nil {
		s.logger.Warn("clear active shift", zap.Error(err))
	}
	s.reset(StateClosed, &closed)
	s.logger.Info("shift closed", zap.String("shift_id", closed.ID))
	return closed, nil
}

// coverage checks counts against the loaded items: each exactly once and
// nothing else.
func (s *Session) coverage(counts []Count) ([]domain.StockTakeEntry, error) {
	expected := make(map[string]bool, len(s.items))
	for _, item := range s.items {
		expected[domain.NormalizeItemID(item.ItemID)] = true
	}

	fields := map[string]string{}
	seen := make(map[string]bool, len(counts))
	entries := make([]domain.StockTakeEntry, 0, len(counts))
	for _, c := range counts {
		id := domain.NormalizeItemID(c.ItemID)
		switch {
		case !expected[id]:
			fields[id] = "not a stock item of this shop"
		case seen[id]:
			fields[id] = "counted twice"
		case c.Qty < 0:
			fields[id] = "count must not be negative"
		}
		seen[id] = true
		entries = append(entries, domain.StockTakeEntry{
			ItemID:     id,
			ShopID:     s.shift.ShopID,
			CountedQty: c.Qty,
			Notes:      strings.TrimSpace(c.Notes),
		})
	}
	missing := make([]string, 0)
	for id := range expected {
		if !seen[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	for _, id := range missing {
		fields[id] = "not counted"
	}
	if len(fields) > 0 {
		return nil, &client.ValidationError{Fields: fields, Message: "stock take must cover every item once"}
	}
	return entries, nil
}

func (s *Session) identity() (appstate.User, string, error) {
	user, ok := s.app.User()
	if !ok || user.ID == "" {
		return appstate.User{}, "", ErrNotSignedIn
	}
	shopID := s.app.ShopID()
	if shopID == "" {
		return appstate.User{}, "", ErrNoShop
	}
	return user, shopID, nil
}

func (s *Session) require(op string, allowed ...State) error {
	for _, state := range allowed {
		if s.state == state {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not allowed in %s", ErrInvalidTransition, op, s.state)
}

func (s *Session) reset(state State, shift *domain.Shift) {
	s.state = state
	s.shift = shift
	s.items = nil
	s.takes = nil
	s.reconciliation = nil
}
