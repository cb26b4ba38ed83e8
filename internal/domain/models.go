package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	// Money travels as plain JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true
}

const DefaultCurrency = "KES"

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

// IsShopLevel reports whether the role sees whole-shop figures rather than a
// single shift.
func IsShopLevel(role string) bool {
	return role == RoleAdmin || role == RoleManager
}

type Actor struct {
	UserID string
	Role   string
	ShopID string
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	Role        string `json:"role"`
	ShopID      string `json:"shop_id"`
	ExpiresAt   string `json:"expires_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	ShopID    string
	Active    bool
	CreatedAt time.Time
}

type Shift struct {
	ID           string          `json:"id"`
	ShopID       string          `json:"shop_id"`
	UserID       string          `json:"user_id"`
	StartTime    time.Time       `json:"start_time"`
	EndTime      *time.Time      `json:"end_time"`
	IsClosed     bool            `json:"is_closed"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

type ShiftCreateRequest struct {
	ShopID       string          `json:"shop_id" validate:"required"`
	UserID       string          `json:"user_id" validate:"required"`
	OpeningFloat decimal.Decimal `json:"opening_float"`
}

type ShiftCloseRequest struct {
	IsClosed bool       `json:"is_closed"`
	EndTime  *time.Time `json:"end_time,omitempty"`
}

type ShiftResponse struct {
	Shift Shift `json:"shift"`
}

// CurrentShiftResponse carries a null shift when none is open.
type CurrentShiftResponse struct {
	Shift *Shift `json:"shift"`
}

type CashMovementType string

const (
	MovementFloat   CashMovementType = "float"
	MovementCashIn  CashMovementType = "cash_in"
	MovementCashOut CashMovementType = "cash_out"
)

// Signed returns the ledger amount for a positive magnitude: cash leaving the
// drawer is negative.
func (t CashMovementType) Signed(magnitude decimal.Decimal) decimal.Decimal {
	if t == MovementCashOut {
		return magnitude.Abs().Neg()
	}
	return magnitude.Abs()
}

type CashMovement struct {
	ID           string           `json:"id"`
	ShiftID      string           `json:"shift_id"`
	Sequence     int64            `json:"sequence"`
	Amount       decimal.Decimal  `json:"amount"`
	MovementType CashMovementType `json:"movement_type"`
	Note         string           `json:"note,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
	RecordedBy   string           `json:"recorded_by"`
}

type CashMovementRequest struct {
	ShiftID      string           `json:"shift_id" validate:"required"`
	Amount       decimal.Decimal  `json:"amount"`
	MovementType CashMovementType `json:"movement_type" validate:"required,oneof=float cash_in cash_out"`
	Note         string           `json:"note,omitempty" validate:"max=200"`
	RecordedBy   string           `json:"recorded_by,omitempty"`
}

type CashMovementResponse struct {
	Movement CashMovement `json:"movement"`
}

type CashMovementListResponse struct {
	Movements []CashMovement `json:"movements"`
}

type StockLevel struct {
	ItemID    string    `json:"item_id"`
	ShopID    string    `json:"shop_id"`
	Name      string    `json:"name"`
	Qty       int       `json:"qty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NormalizeItemID is the canonical form of an item id; every store write and
// every comparison goes through it.
func NormalizeItemID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

type StockLevelRequest struct {
	ShopID string `json:"shop_id" validate:"required"`
	ItemID string `json:"item_id" validate:"required,max=64"`
	Name   string `json:"name,omitempty" validate:"max=120"`
	Qty    int    `json:"qty" validate:"gte=0"`
}

type StockLevelResponse struct {
	Level StockLevel `json:"level"`
}

type StockLevelListResponse struct {
	Levels []StockLevel `json:"levels"`
}

type StockTake struct {
	ID          string     `json:"id"`
	ItemID      string     `json:"item_id"`
	ShopID      string     `json:"shop_id"`
	ShiftID     string     `json:"shift_id"`
	CountedQty  int        `json:"counted_qty"`
	ExpectedQty int        `json:"expected_qty"`
	CountedBy   string     `json:"counted_by"`
	CountedAt   time.Time  `json:"counted_at"`
	Notes       string     `json:"notes,omitempty"`
	IsAdjusted  bool       `json:"is_adjusted"`
	AdjustedAt  *time.Time `json:"adjusted_at,omitempty"`
}

type StockTakeEntry struct {
	ItemID     string `json:"item_id" validate:"required"`
	ShopID     string `json:"shop_id" validate:"required"`
	CountedQty int    `json:"counted_qty" validate:"gte=0"`
	Notes      string `json:"notes,omitempty" validate:"max=500"`
}

type BulkStockTakeRequest struct {
	ShiftID   string           `json:"shift_id" validate:"required"`
	CountedBy string           `json:"counted_by,omitempty"`
	Entries   []StockTakeEntry `json:"entries" validate:"required,min=1,dive"`
}

type StockTakeListResponse struct {
	StockTakes []StockTake `json:"stock_takes"`
}

type StockTakeResponse struct {
	StockTake StockTake `json:"stock_take"`
}

type ReconciliationRequest struct {
	ShiftID     string          `json:"shift_id" validate:"required"`
	CashAmount  decimal.Decimal `json:"cash_amount"`
	MpesaAmount decimal.Decimal `json:"mpesa_amount"`
}

type ShiftReconciliation struct {
	ID          string          `json:"id"`
	ShiftID     string          `json:"shift_id"`
	CashAmount  decimal.Decimal `json:"cash_amount"`
	MpesaAmount decimal.Decimal `json:"mpesa_amount"`
	CreatedAt   time.Time       `json:"created_at"`
}

const (
	CashVarianceNormal   = "normal"
	CashVarianceWarning  = "warning"
	CashVarianceCritical = "critical"
)

type CashVariance struct {
	Expected       decimal.Decimal `json:"expected"`
	Declared       decimal.Decimal `json:"declared"`
	Difference     decimal.Decimal `json:"difference"`
	Percent        decimal.Decimal `json:"percent"`
	Classification string          `json:"classification"`
}

type ReconciliationResponse struct {
	Reconciliation ShiftReconciliation `json:"reconciliation"`
	Cash           CashVariance        `json:"cash"`
	Mpesa          CashVariance        `json:"mpesa"`
}

const (
	VariancePerfect    = "perfect_match"
	VarianceOverCount  = "overcount"
	VarianceUnderCount = "undercount"
)

type VarianceLine struct {
	StockTakeID    string `json:"stock_take_id"`
	ItemID         string `json:"item_id"`
	ExpectedQty    int    `json:"expected_qty"`
	CountedQty     int    `json:"counted_qty"`
	Variance       int    `json:"variance"`
	Classification string `json:"classification"`
}

type VarianceSummary struct {
	TotalItems            int     `json:"totalItems"`
	PerfectMatches        int     `json:"perfectMatches"`
	OverCounts            int     `json:"overCounts"`
	UnderCounts           int     `json:"underCounts"`
	AverageVariance       float64 `json:"averageVariance"`
	MaxVariance           int     `json:"maxVariance"`
	MaxVarianceItemID     string  `json:"maxVarianceItemId,omitempty"`
	TotalAbsoluteVariance int     `json:"totalAbsoluteVariance"`
}

type VarianceReport struct {
	ShiftID string          `json:"shift_id"`
	Items   []VarianceLine  `json:"items"`
	Summary VarianceSummary `json:"summary"`
}

const (
	PaymentCash  = "cash"
	PaymentMpesa = "mpesa"
)

type SaleLine struct {
	ItemID    string          `json:"item_id" validate:"required"`
	Qty       int             `json:"qty" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type SaleCreateRequest struct {
	ShopID        string     `json:"shop_id" validate:"required"`
	ShiftID       string     `json:"shift_id" validate:"required"`
	PaymentMethod string     `json:"payment_method" validate:"required,oneof=cash mpesa"`
	Lines         []SaleLine `json:"lines" validate:"required,min=1,dive"`
}

type Sale struct {
	ID            string          `json:"id"`
	ShopID        string          `json:"shop_id"`
	ShiftID       string          `json:"shift_id"`
	PaymentMethod string          `json:"payment_method"`
	Lines         []SaleLine      `json:"lines"`
	Total         decimal.Decimal `json:"total"`
	RecordedBy    string          `json:"recorded_by"`
	CreatedAt     time.Time       `json:"created_at"`
}

type SaleResponse struct {
	Sale Sale `json:"sale"`
}

type ExpenseCreateRequest struct {
	ShopID      string          `json:"shop_id" validate:"required"`
	ShiftID     string          `json:"shift_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category" validate:"required,max=60"`
	Description string          `json:"description,omitempty" validate:"max=200"`
}

type Expense struct {
	ID          string          `json:"id"`
	ShopID      string          `json:"shop_id"`
	ShiftID     string          `json:"shift_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Description string          `json:"description,omitempty"`
	RecordedBy  string          `json:"recorded_by"`
	CreatedAt   time.Time       `json:"created_at"`
}

type ExpenseResponse struct {
	Expense Expense `json:"expense"`
}

// SummaryQuery scopes a daily total. An empty ShiftID means the whole shop.
type SummaryQuery struct {
	ShopID  string `json:"shopId" validate:"required"`
	Date    string `json:"date" validate:"required,datetime=2006-01-02"`
	ShiftID string `json:"shiftId,omitempty"`
}

type SalesSummary struct {
	ShopID     string          `json:"shop_id"`
	Date       string          `json:"date"`
	ShiftID    string          `json:"shift_id,omitempty"`
	Count      int             `json:"count"`
	TotalSales decimal.Decimal `json:"total_sales"`
	CashSales  decimal.Decimal `json:"cash_sales"`
	MpesaSales decimal.Decimal `json:"mpesa_sales"`
}

type ExpensesSummary struct {
	ShopID        string          `json:"shop_id"`
	Date          string          `json:"date"`
	ShiftID       string          `json:"shift_id,omitempty"`
	Count         int             `json:"count"`
	TotalExpenses decimal.Decimal `json:"total_expenses"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	ShopID     string    `json:"shop_id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username string `json:"username" validate:"required,min=4,max=40,alphanum"`
	Password string `json:"password" validate:"required,min=6"`
	Role     string `json:"role" validate:"required,oneof=admin manager cashier"`
	ShopID   string `json:"shop_id" validate:"required"`
}

type UserSummary struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ShopID    string    `json:"shop_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}
