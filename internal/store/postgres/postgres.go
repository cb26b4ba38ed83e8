package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"

	"dukapos/internal/domain"
	"dukapos/internal/store"
	"dukapos/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Migrate creates missing tables and indexes.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

const shiftColumns = `id, shop_id, user_id, start_time, end_time, is_closed, opening_float`

func scanShift(row rowScanner) (*domain.Shift, error) {
	var shift domain.Shift
	var endTime sql.NullTime
	if err := row.Scan(&shift.ID, &shift.ShopID, &shift.UserID, &shift.StartTime, &endTime, &shift.IsClosed, &shift.OpeningFloat); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	shift.StartTime = shift.StartTime.UTC()
	if endTime.Valid {
		at := endTime.Time.UTC()
		shift.EndTime = &at
	}
	return &shift, nil
}

func (s *Store) CreateShift(ctx context.Context, shift domain.Shift) (*domain.Shift, error) {
	if shift.ShopID == "" || shift.UserID == "" {
		return nil, store.ErrInvalidTransaction
	}
	if shift.ID == "" {
		shift.ID = xid.New("shift")
	}
	if shift.StartTime.IsZero() {
		shift.StartTime = time.Now().UTC()
	}
	shift.IsClosed = false
	shift.EndTime = nil

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shifts (id, shop_id, user_id, start_time, end_time, is_closed, opening_float)
		VALUES ($1,$2,$3,$4,NULL,false,$5)
	`, shift.ID, shift.ShopID, shift.UserID, shift.StartTime, shift.OpeningFloat)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	saved := shift
	return &saved, nil
}

func (s *Store) GetShift(ctx context.Context, shiftID string) (*domain.Shift, error) {
	return scanShift(s.db.QueryRowContext(ctx, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, shiftID))
}

func (s *Store) GetOpenShift(ctx context.Context, userID string, shopID string) (*domain.Shift, error) {
	return scanShift(s.db.QueryRowContext(ctx, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE user_id = $1 AND shop_id = $2 AND is_closed = false
		ORDER BY start_time DESC
		LIMIT 1
	`, userID, shopID))
}

func (s *Store) CloseShift(ctx context.Context, shiftID string, endTime time.Time) (*domain.Shift, error) {
	if endTime.IsZero() {
		endTime = time.Now().UTC()
	}
	shift, err := scanShift(s.db.QueryRowContext(ctx, `
		UPDATE shifts
		SET is_closed = true, end_time = $2
		WHERE id = $1
			AND is_closed = false
			AND EXISTS (SELECT 1 FROM shift_reconciliations r WHERE r.shift_id = $1)
		RETURNING `+shiftColumns,
		shiftID, endTime))
	if err == nil {
		return shift, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if _, lookupErr := s.GetShift(ctx, shiftID); lookupErr != nil {
		return nil, lookupErr
	}
	return nil, fmt.Errorf("shift %s is closed or unreconciled: %w", shiftID, store.ErrConflict)
}

func (s *Store) AppendCashMovement(ctx context.Context, movement domain.CashMovement) (*domain.CashMovement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	// The row lock serializes appends per shift so sequence equals append order.
	var locked string
	err = tx.QueryRowContext(ctx, `SELECT id FROM shifts WHERE id = $1 FOR UPDATE`, movement.ShiftID).Scan(&locked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM shift_cash_movements WHERE shift_id = $1
	`, movement.ShiftID).Scan(&movement.Sequence); err != nil {
		return nil, err
	}
	if movement.ID == "" {
		movement.ID = xid.New("mov")
	}
	if movement.Timestamp.IsZero() {
		movement.Timestamp = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO shift_cash_movements (id, shift_id, sequence, amount, movement_type, note, recorded_at, recorded_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, movement.ID, movement.ShiftID, movement.Sequence, movement.Amount, string(movement.MovementType),
		movement.Note, movement.Timestamp, movement.RecordedBy); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &movement, nil
}

func (s *Store) ListCashMovements(ctx context.Context, shiftID string) ([]domain.CashMovement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, shift_id, sequence, amount, movement_type, note, recorded_at, recorded_by
		FROM shift_cash_movements
		WHERE shift_id = $1
		ORDER BY sequence ASC
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.CashMovement, 0, 16)
	for rows.Next() {
		var m domain.CashMovement
		var movementType string
		if err := rows.Scan(&m.ID, &m.ShiftID, &m.Sequence, &m.Amount, &movementType, &m.Note, &m.Timestamp, &m.RecordedBy); err != nil {
			return nil, err
		}
		m.MovementType = domain.CashMovementType(movementType)
		m.Timestamp = m.Timestamp.UTC()
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

func (s *Store) ListStockLevels(ctx context.Context, shopID string) ([]domain.StockLevel, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT item_id, shop_id, name, qty, updated_at
		FROM stock_levels
		WHERE shop_id = $1
		ORDER BY item_id
	`, shopID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	levels := make([]domain.StockLevel, 0, 64)
	for rows.Next() {
		var level domain.StockLevel
		if err := rows.Scan(&level.ItemID, &level.ShopID, &level.Name, &level.Qty, &level.UpdatedAt); err != nil {
			return nil, err
		}
		level.UpdatedAt = level.UpdatedAt.UTC()
		levels = append(levels, level)
	}
	return levels, rows.Err()
}

func (s *Store) UpsertStockLevel(ctx context.Context, level domain.StockLevel) error {
	level.ItemID = domain.NormalizeItemID(level.ItemID)
	level.ShopID = strings.TrimSpace(level.ShopID)
	if level.ItemID == "" || level.ShopID == "" || level.Qty < 0 {
		return store.ErrInvalidTransaction
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stock_levels (shop_id, item_id, name, qty, updated_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (shop_id, item_id)
		DO UPDATE SET qty = EXCLUDED.qty,
			name = CASE WHEN EXCLUDED.name = '' THEN stock_levels.name ELSE EXCLUDED.name END,
			updated_at = now()
	`, level.ShopID, level.ItemID, level.Name, level.Qty)
	return err
}

func (s *Store) SaveStockTakes(ctx context.Context, takes []domain.StockTake) ([]domain.StockTake, error) {
	if len(takes) == 0 {
		return nil, store.ErrInvalidTransaction
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	saved := make([]domain.StockTake, 0, len(takes))
	for _, take := range takes {
		var expected int
		err := tx.QueryRowContext(ctx, `
			SELECT qty FROM stock_levels WHERE shop_id = $1 AND item_id = $2 FOR SHARE
		`, take.ShopID, take.ItemID).Scan(&expected)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("item %s at shop %s: %w", take.ItemID, take.ShopID, store.ErrNotFound)
			}
			return nil, err
		}

		var existingID string
		var adjusted bool
		err = tx.QueryRowContext(ctx, `
			SELECT id, is_adjusted FROM stock_takes
			WHERE shift_id = $1 AND shop_id = $2 AND item_id = $3
			FOR UPDATE
		`, take.ShiftID, take.ShopID, take.ItemID).Scan(&existingID, &adjusted)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			existingID = ""
		case err != nil:
			return nil, err
		case adjusted:
			return nil, fmt.Errorf("stock take %s already adjusted: %w", existingID, store.ErrConflict)
		}

		if take.CountedAt.IsZero() {
			take.CountedAt = time.Now().UTC()
		}
		take.ExpectedQty = expected
		take.IsAdjusted = false
		take.AdjustedAt = nil

		if existingID != "" {
			take.ID = existingID
			_, err = tx.ExecContext(ctx, `
				UPDATE stock_takes
				SET counted_qty = $2, expected_qty = $3, counted_by = $4, counted_at = $5, notes = $6
				WHERE id = $1
			`, take.ID, take.CountedQty, take.ExpectedQty, take.CountedBy, take.CountedAt, take.Notes)
		} else {
			if take.ID == "" {
				take.ID = xid.New("take")
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO stock_takes (id, item_id, shop_id, shift_id, counted_qty, expected_qty, counted_by, counted_at, notes)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			`, take.ID, take.ItemID, take.ShopID, take.ShiftID, take.CountedQty, take.ExpectedQty,
				take.CountedBy, take.CountedAt, take.Notes)
		}
		if err != nil {
			return nil, err
		}
		saved = append(saved, take)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return saved, nil
}

const stockTakeColumns = `id, item_id, shop_id, shift_id, counted_qty, expected_qty, counted_by, counted_at, notes, is_adjusted, adjusted_at`

func scanStockTake(row rowScanner) (*domain.StockTake, error) {
	var take domain.StockTake
	var adjustedAt sql.NullTime
	if err := row.Scan(&take.ID, &take.ItemID, &take.ShopID, &take.ShiftID, &take.CountedQty, &take.ExpectedQty,
		&take.CountedBy, &take.CountedAt, &take.Notes, &take.IsAdjusted, &adjustedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	take.CountedAt = take.CountedAt.UTC()
	if adjustedAt.Valid {
		at := adjustedAt.Time.UTC()
		take.AdjustedAt = &at
	}
	return &take, nil
}

func (s *Store) ListStockTakes(ctx context.Context, shiftID string) ([]domain.StockTake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stockTakeColumns+`
		FROM stock_takes
		WHERE shift_id = $1
		ORDER BY position ASC
	`, shiftID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	takes := make([]domain.StockTake, 0, 32)
	for rows.Next() {
		take, err := scanStockTake(rows)
		if err != nil {
			return nil, err
		}
		takes = append(takes, *take)
	}
	return takes, rows.Err()
}

func (s *Store) GetStockTake(ctx context.Context, stockTakeID string) (*domain.StockTake, error) {
	return scanStockTake(s.db.QueryRowContext(ctx, `SELECT `+stockTakeColumns+` FROM stock_takes WHERE id = $1`, stockTakeID))
}

func (s *Store) MarkStockTakeAdjusted(ctx context.Context, stockTakeID string, at time.Time) (*domain.StockTake, bool, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	take, err := scanStockTake(tx.QueryRowContext(ctx, `SELECT `+stockTakeColumns+` FROM stock_takes WHERE id = $1 FOR UPDATE`, stockTakeID))
	if err != nil {
		return nil, false, err
	}
	if take.IsAdjusted {
		return take, false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_levels (shop_id, item_id, qty, updated_at)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (shop_id, item_id)
		DO UPDATE SET qty = EXCLUDED.qty, updated_at = EXCLUDED.updated_at
	`, take.ShopID, take.ItemID, take.CountedQty, at); err != nil {
		return nil, false, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE stock_takes SET is_adjusted = true, adjusted_at = $2 WHERE id = $1
	`, stockTakeID, at); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(); err != nil {
		return nil, false, err
	}

	take.IsAdjusted = true
	take.AdjustedAt = &at
	return take, true, nil
}

func (s *Store) CreateReconciliation(ctx context.Context, rec domain.ShiftReconciliation) (*domain.ShiftReconciliation, error) {
	if rec.ID == "" {
		rec.ID = xid.New("recon")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO shift_reconciliations (id, shift_id, cash_amount, mpesa_amount, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, rec.ID, rec.ShiftID, rec.CashAmount, rec.MpesaAmount, rec.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("shift %s already reconciled: %w", rec.ShiftID, store.ErrConflict)
		}
		if isForeignKeyViolation(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) GetReconciliation(ctx context.Context, shiftID string) (*domain.ShiftReconciliation, error) {
	var rec domain.ShiftReconciliation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, shift_id, cash_amount, mpesa_amount, created_at
		FROM shift_reconciliations
		WHERE shift_id = $1
	`, shiftID).Scan(&rec.ID, &rec.ShiftID, &rec.CashAmount, &rec.MpesaAmount, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (s *Store) CreateSale(ctx context.Context, sale domain.Sale) (*domain.Sale, error) {
	if len(sale.Lines) == 0 {
		return nil, store.ErrInvalidTransaction
	}
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	if sale.CreatedAt.IsZero() {
		sale.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, line := range sale.Lines {
		res, err := tx.ExecContext(ctx, `
			UPDATE stock_levels SET qty = qty - $3, updated_at = $4
			WHERE shop_id = $1 AND item_id = $2 AND qty >= $3
		`, sale.ShopID, line.ItemID, line.Qty, sale.CreatedAt)
		if err != nil {
			return nil, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, fmt.Errorf("item %s: %w", line.ItemID, store.ErrInsufficientStock)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sales (id, shop_id, shift_id, payment_method, total, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, sale.ID, sale.ShopID, sale.ShiftID, sale.PaymentMethod, sale.Total, sale.RecordedBy, sale.CreatedAt); err != nil {
		return nil, err
	}
	for _, line := range sale.Lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, item_id, qty, unit_price) VALUES ($1,$2,$3,$4)
		`, sale.ID, line.ItemID, line.Qty, line.UnitPrice); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &sale, nil
}

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) (*domain.Expense, error) {
	if expense.ID == "" {
		expense.ID = xid.New("exp")
	}
	if expense.CreatedAt.IsZero() {
		expense.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO expenses (id, shop_id, shift_id, amount, category, description, recorded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, expense.ID, expense.ShopID, nullIfEmpty(expense.ShiftID), expense.Amount, expense.Category,
		expense.Description, expense.RecordedBy, expense.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &expense, nil
}

func (s *Store) GetSalesSummary(ctx context.Context, shopID string, shiftID string, from time.Time, to time.Time) (domain.SalesSummary, error) {
	summary := domain.SalesSummary{ShopID: shopID, ShiftID: shiftID}
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(total), 0),
			COALESCE(SUM(total) FILTER (WHERE payment_method = 'cash'), 0),
			COALESCE(SUM(total) FILTER (WHERE payment_method = 'mpesa'), 0)
		FROM sales
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
			AND ($4 = '' OR shift_id = $4)
	`, shopID, from, to, shiftID).Scan(&summary.Count, &summary.TotalSales, &summary.CashSales, &summary.MpesaSales)
	if err != nil {
		return domain.SalesSummary{}, err
	}
	return summary, nil
}

func (s *Store) GetExpensesSummary(ctx context.Context, shopID string, shiftID string, from time.Time, to time.Time) (domain.ExpensesSummary, error) {
	summary := domain.ExpensesSummary{ShopID: shopID, ShiftID: shiftID, TotalExpenses: decimal.Zero}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0)
		FROM expenses
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
			AND ($4 = '' OR shift_id = $4)
	`, shopID, from, to, shiftID).Scan(&summary.Count, &summary.TotalExpenses)
	if err != nil {
		return domain.ExpensesSummary{}, err
	}
	return summary, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, shop_id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.ShopID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType,
		entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password, role, shop_id, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, user.Username, user.Password, user.Role, user.ShopID, user.Active, user.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return store.ErrConflict
	}
	return err
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, shop_id, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.ShopID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET password = $2 WHERE username = $1`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
