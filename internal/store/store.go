package store

import (
	"context"
	"errors"
	"time"

	"dukapos/internal/domain"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrConflict           = errors.New("conflict")
)

type Repository interface {
	CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error)
	GetShift(ctx context.Context, shiftID string) (*domain.Shift, error)
	GetOpenShift(ctx context.Context, userID string, shopID string) (*domain.Shift, error)
	CloseShift(ctx context.Context, shiftID string, endTime time.Time) (*domain.Shift, error)

	AppendCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error)
	ListCashMovements(ctx context.Context, shiftID string) ([]domain.CashMovement, error)

	ListStockLevels(ctx context.Context, shopID string) ([]domain.StockLevel, error)
	UpsertStockLevel(ctx context.Context, level domain.StockLevel) error
	// SaveStockTakes persists the batch atomically, snapshotting each take's
	// expected qty from the current stock level. A take already recorded for
	// the same shift and item is replaced unless it was adjusted.
	SaveStockTakes(ctx context.Context, takes []domain.StockTake) ([]domain.StockTake, error)
	ListStockTakes(ctx context.Context, shiftID string) ([]domain.StockTake, error)
	GetStockTake(ctx context.Context, stockTakeID string) (*domain.StockTake, error)
	// MarkStockTakeAdjusted applies the counted qty to the stock level the
	// first time; later calls return the take unchanged with applied=false.
	MarkStockTakeAdjusted(ctx context.Context, stockTakeID string, at time.Time) (take *domain.StockTake, applied bool, err error)

	CreateReconciliation(ctx context.Context, rec domain.ShiftReconciliation) (*domain.ShiftReconciliation, error)
	GetReconciliation(ctx context.Context, shiftID string) (*domain.ShiftReconciliation, error)

	CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error)
	CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error)
	GetSalesSummary(ctx context.Context, shopID string, shiftID string, from time.Time, to time.Time) (domain.SalesSummary, error)
	GetExpensesSummary(ctx context.Context, shopID string, shiftID string, from time.Time, to time.Time) (domain.ExpensesSummary, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
