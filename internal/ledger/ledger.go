// Package ledger folds a shift's append-only cash movements into totals.
package ledger

import (
	"sort"

	"github.com/shopspring/decimal"

	"dukapos/internal/domain"
)

type Totals struct {
	Floats  decimal.Decimal `json:"floats"`
	CashIn  decimal.Decimal `json:"cash_in"`
	CashOut decimal.Decimal `json:"cash_out"`
	Net     decimal.Decimal `json:"net"`
	Count   int             `json:"count"`
}

// Ledger is a read model over movements ordered by their sequence number.
type Ledger struct {
	shiftID   string
	movements []domain.CashMovement
}

// New copies the movements and orders them by append sequence. Client
// timestamps never decide the order.
func New(shiftID string, movements []domain.CashMovement) *Ledger {
	ordered := make([]domain.CashMovement, 0, len(movements))
	for _, m := range movements {
		if m.ShiftID == shiftID {
			ordered = append(ordered, m)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Sequence < ordered[j].Sequence
	})
	return &Ledger{shiftID: shiftID, movements: ordered}
}

func (l *Ledger) ShiftID() string {
	return l.shiftID
}

func (l *Ledger) Movements() []domain.CashMovement {
	out := make([]domain.CashMovement, len(l.movements))
	copy(out, l.movements)
	return out
}

func (l *Ledger) Totals() Totals {
	t := Totals{
		Floats:  decimal.Zero,
		CashIn:  decimal.Zero,
		CashOut: decimal.Zero,
		Net:     decimal.Zero,
		Count:   len(l.movements),
	}
	for _, m := range l.movements {
		switch m.MovementType {
		case domain.MovementFloat:
			t.Floats = t.Floats.Add(m.Amount)
		case domain.MovementCashIn:
			t.CashIn = t.CashIn.Add(m.Amount)
		case domain.MovementCashOut:
			t.CashOut = t.CashOut.Add(m.Amount.Abs())
		}
		t.Net = t.Net.Add(m.Amount)
	}
	return t
}

// RunningTotals returns the net cash after each movement in append order.
func (l *Ledger) RunningTotals() []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(l.movements))
	running := decimal.Zero
	for _, m := range l.movements {
		running = running.Add(m.Amount)
		out = append(out, running)
	}
	return out
}

// ExpectedCash is the cash that should be in the drawer: opening float plus
// net movements plus cash sales.
func (l *Ledger) ExpectedCash(openingFloat decimal.Decimal, cashSales decimal.Decimal) decimal.Decimal {
	return openingFloat.Add(l.Totals().Net).Add(cashSales)
}
