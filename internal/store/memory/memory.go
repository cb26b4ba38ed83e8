package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"dukapos/internal/domain"
	"dukapos/internal/store"
	"dukapos/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	shiftsByID       map[string]domain.Shift
	openShiftByKey   map[string]string
	movementsByShift map[string][]domain.CashMovement
	levels           map[string]map[string]domain.StockLevel
	takesByID        map[string]domain.StockTake
	takeOrder        map[string][]string
	reconciliations  map[string]domain.ShiftReconciliation
	sales            []domain.Sale
	expenses         []domain.Expense
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		shiftsByID:       make(map[string]domain.Shift),
		openShiftByKey:   make(map[string]string),
		movementsByShift: make(map[string][]domain.CashMovement),
		levels:           make(map[string]map[string]domain.StockLevel),
		takesByID:        make(map[string]domain.StockTake),
		takeOrder:        make(map[string][]string),
		reconciliations:  make(map[string]domain.ShiftReconciliation),
		usersByUsername:  make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Passwords come from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD, falling back to dev defaults with a warning.
func seedUsers(logger *zap.Logger, shopID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logger.Warn("memory store is using default dev credentials; set SEED_*_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"manager", managerPwd, domain.RoleManager},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			logger.Fatal("hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			ShopID:    shopID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users and stock for shopID.
func NewSeeded(logger *zap.Logger, shopID string) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if shopID == "" {
		shopID = "main-shop"
	}
	s := New()
	s.usersByUsername = seedUsers(logger, shopID)

	now := time.Now().UTC()
	items := []struct {
		id   string
		name string
		qty  int
	}{
		{"ITEM-UNGA-2KG", "Unga 2kg", 40},
		{"ITEM-SUGAR-1KG", "Sugar 1kg", 35},
		{"ITEM-MILK-500", "Milk 500ml", 60},
		{"ITEM-BREAD-400", "Bread 400g", 25},
		{"ITEM-SOAP-BAR", "Bar Soap", 50},
		{"ITEM-TEA-100", "Tea Leaves 100g", 30},
	}
	s.levels[shopID] = make(map[string]domain.StockLevel, len(items))
	for _, item := range items {
		s.levels[shopID][item.id] = domain.StockLevel{
			ItemID:    item.id,
			ShopID:    shopID,
			Name:      item.name,
			Qty:       item.qty,
			UpdatedAt: now,
		}
	}
	return s
}

func shiftMapKey(userID string, shopID string) string {
	return userID + "::" + shopID
}

func (s *Store) CreateShift(_ context.Context, shift domain.Shift) (*domain.Shift, error) {
	if strings.TrimSpace(shift.ShopID) == "" || strings.TrimSpace(shift.UserID) == "" {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := shiftMapKey(shift.UserID, shift.ShopID)
	if _, exists := s.openShiftByKey[key]; exists {
		return nil, store.ErrConflict
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.StartTime.IsZero() {
		shift.StartTime = time.Now().UTC()
	}
	shift.IsClosed = false
	shift.EndTime = nil

	s.shiftsByID[shift.ID] = shift
	s.openShiftByKey[key] = shift.ID
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) GetShift(_ context.Context, shiftID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) GetOpenShift(_ context.Context, userID string, shopID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shiftID, exists := s.openShiftByKey[shiftMapKey(userID, shopID)]
	if !exists {
		return nil, store.ErrNotFound
	}
	shift, exists := s.shiftsByID[shiftID]
	if !exists || shift.IsClosed {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) CloseShift(_ context.Context, shiftID string, endTime time.Time) (*domain.Shift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	shift, ok := s.shiftsByID[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	if shift.IsClosed {
		return nil, fmt.Errorf("shift %s already closed: %w", shiftID, store.ErrConflict)
	}
	if _, ok := s.reconciliations[shiftID]; !ok {
		return nil, fmt.Errorf("shift %s has no reconciliation: %w", shiftID, store.ErrConflict)
	}
	if endTime.IsZero() {
		endTime = time.Now().UTC()
	}
	shift.IsClosed = true
	shift.EndTime = &endTime

	delete(s.openShiftByKey, shiftMapKey(shift.UserID, shift.ShopID))
	s.shiftsByID[shiftID] = shift
	copyShift := shift
	return &copyShift, nil
}

func (s *Store) AppendCashMovement(_ context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shiftsByID[movement.ShiftID]; !ok {
		return nil, store.ErrNotFound
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.Timestamp.IsZero() {
		movement.Timestamp = time.Now().UTC()
	}
	movement.Sequence = int64(len(s.movementsByShift[movement.ShiftID]) + 1)
	s.movementsByShift[movement.ShiftID] = append(s.movementsByShift[movement.ShiftID], movement)
	return &movement, nil
}

func (s *Store) ListCashMovements(_ context.Context, shiftID string) ([]domain.CashMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	movements := s.movementsByShift[shiftID]
	result := make([]domain.CashMovement, len(movements))
	copy(result, movements)
	return result, nil
}

func (s *Store) ListStockLevels(_ context.Context, shopID string) ([]domain.StockLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.StockLevel, 0, len(s.levels[shopID]))
	for _, level := range s.levels[shopID] {
		result = append(result, level)
	}
	slices.SortFunc(result, func(a, b domain.StockLevel) int {
		return strings.Compare(a.ItemID, b.ItemID)
	})
	return result, nil
}

func (s *Store) UpsertStockLevel(_ context.Context, level domain.StockLevel) error {
	level.ItemID = domain.NormalizeItemID(level.ItemID)
	level.ShopID = strings.TrimSpace(level.ShopID)
	if level.ItemID == "" || level.ShopID == "" || level.Qty < 0 {
		return store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shopLevels, ok := s.levels[level.ShopID]
	if !ok {
		shopLevels = make(map[string]domain.StockLevel)
		s.levels[level.ShopID] = shopLevels
	}
	if existing, ok := shopLevels[level.ItemID]; ok && level.Name == "" {
		level.Name = existing.Name
	}
	if level.UpdatedAt.IsZero() {
		level.UpdatedAt = time.Now().UTC()
	}
	shopLevels[level.ItemID] = level
	return nil
}

func (s *Store) SaveStockTakes(_ context.Context, takes []domain.StockTake) ([]domain.StockTake, error) {
	if len(takes) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate the whole batch before touching any state.
	staged := make([]domain.StockTake, 0, len(takes))
	replaced := make(map[int]string, len(takes))
	for i, take := range takes {
		level, ok := s.levels[take.ShopID][take.ItemID]
		if !ok {
			return nil, fmt.Errorf("item %s at shop %s: %w", take.ItemID, take.ShopID, store.ErrNotFound)
		}
		if existingID, ok := s.findTakeLocked(take.ShiftID, take.ShopID, take.ItemID); ok {
			if s.takesByID[existingID].IsAdjusted {
				return nil, fmt.Errorf("stock take %s already adjusted: %w", existingID, store.ErrConflict)
			}
			take.ID = existingID
			replaced[i] = existingID
		} else if take.ID == "" {
			take.ID = xid.New("take")
		}
		if take.CountedAt.IsZero() {
			take.CountedAt = time.Now().UTC()
		}
		take.ExpectedQty = level.Qty
		take.IsAdjusted = false
		take.AdjustedAt = nil
		staged = append(staged, take)
	}

	for i, take := range staged {
		if _, ok := replaced[i]; !ok {
			s.takeOrder[take.ShiftID] = append(s.takeOrder[take.ShiftID], take.ID)
		}
		s.takesByID[take.ID] = take
	}

	result := make([]domain.StockTake, len(staged))
	copy(result, staged)
	return result, nil
}

func (s *Store) findTakeLocked(shiftID string, shopID string, itemID string) (string, bool) {
	for _, id := range s.takeOrder[shiftID] {
		take := s.takesByID[id]
		if take.ShopID == shopID && take.ItemID == itemID {
			return id, true
		}
	}
	return "", false
}

func (s *Store) ListStockTakes(_ context.Context, shiftID string) ([]domain.StockTake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.takeOrder[shiftID]
	result := make([]domain.StockTake, 0, len(ids))
	for _, id := range ids {
		result = append(result, s.takesByID[id])
	}
	return result, nil
}

func (s *Store) GetStockTake(_ context.Context, stockTakeID string) (*domain.StockTake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	take, ok := s.takesByID[stockTakeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &take, nil
}

func (s *Store) MarkStockTakeAdjusted(_ context.Context, stockTakeID string, at time.Time) (*domain.StockTake, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	take, ok := s.takesByID[stockTakeID]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	if take.IsAdjusted {
		return &take, false, nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}

	level := s.levels[take.ShopID][take.ItemID]
	level.ItemID = take.ItemID
	level.ShopID = take.ShopID
	level.Qty = take.CountedQty
	level.UpdatedAt = at
	if s.levels[take.ShopID] == nil {
		s.levels[take.ShopID] = make(map[string]domain.StockLevel)
	}
	s.levels[take.ShopID][take.ItemID] = level

	take.IsAdjusted = true
	take.AdjustedAt = &at
	s.takesByID[stockTakeID] = take
	return &take, true, nil
}

func (s *Store) CreateReconciliation(_ context.Context, rec domain.ShiftReconciliation) (*domain.ShiftReconciliation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.shiftsByID[rec.ShiftID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.reconciliations[rec.ShiftID]; exists {
		return nil, fmt.Errorf("shift %s already reconciled: %w", rec.ShiftID, store.ErrConflict)
	}
	if rec.ID == "" {
		rec.ID = xid.New("recon")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.reconciliations[rec.ShiftID] = rec
	return &rec, nil
}

func (s *Store) GetReconciliation(_ context.Context, shiftID string) (*domain.ShiftReconciliation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.reconciliations[shiftID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) CreateSale(_ context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shopLevels := s.levels[sale.ShopID]
	for _, line := range sale.Lines {
		level, ok := shopLevels[line.ItemID]
		if !ok {
			return nil, fmt.Errorf("item %s: %w", line.ItemID, store.ErrNotFound)
		}
		if level.Qty < line.Qty {
			return nil, fmt.Errorf("item %s: %w", line.ItemID, store.ErrInsufficientStock)
		}
	}

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}
	for _, line := range sale.Lines {
		level := shopLevels[line.ItemID]
		level.Qty -= line.Qty
		level.UpdatedAt = sale.CreatedAt
		shopLevels[line.ItemID] = level
	}
	sale.Lines = slices.Clone(sale.Lines)
	s.sales = append(s.sales, sale)
	return &sale, nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) (*domain.Expense, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	s.expenses = append(s.expenses, expense)
	return &expense, nil
}

func inWindow(at time.Time, from time.Time, to time.Time) bool {
	return !at.Before(from) && at.Before(to)
}

func (s *Store) GetSalesSummary(_ context.Context, shopID string, shiftID string, from time.Time, to time.Time) (domain.SalesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.SalesSummary{
		ShopID:     shopID,
		ShiftID:    shiftID,
		TotalSales: decimal.Zero,
		CashSales:  decimal.Zero,
		MpesaSales: decimal.Zero,
	}
	for _, sale := range s.sales {
		if sale.ShopID != shopID || !inWindow(sale.CreatedAt, from, to) {
			continue
		}
		if shiftID != "" && sale.ShiftID != shiftID {
			continue
		}
		summary.Count++
		summary.TotalSales = summary.TotalSales.Add(sale.Total)
		switch sale.PaymentMethod {
		case domain.PaymentCash:
			summary.CashSales = summary.CashSales.Add(sale.Total)
		case domain.PaymentMpesa:
			summary.MpesaSales = summary.MpesaSales.Add(sale.Total)
		}
	}
	return summary, nil
}

func (s *Store) GetExpensesSummary(_ context.Context, shopID string, shiftID string, from time.Time, to time.Time) (domain.ExpensesSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.ExpensesSummary{ShopID: shopID, ShiftID: shiftID, TotalExpenses: decimal.Zero}
	for _, expense := range s.expenses {
		if expense.ShopID != shopID || !inWindow(expense.CreatedAt, from, to) {
			continue
		}
		if shiftID != "" && expense.ShiftID != shiftID {
			continue
		}
		summary.Count++
		summary.TotalExpenses = summary.TotalExpenses.Add(expense.Amount)
	}
	return summary, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

// AuditLogs returns a copy of the recorded audit trail.
func (s *Store) AuditLogs() []domain.AuditLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.auditLogs)
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidTransaction
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}
