package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dukapos/internal/domain"
)

func movement(seq int64, typ domain.CashMovementType, amount string, at time.Time) domain.CashMovement {
	return domain.CashMovement{
		ID:           "mov",
		ShiftID:      "SH1",
		Sequence:     seq,
		MovementType: typ,
		Amount:       typ.Signed(decimal.RequireFromString(amount)),
		Timestamp:    at,
	}
}

func TestTotalsAndExpectedCash(t *testing.T) {
	now := time.Now()
	l := New("SH1", []domain.CashMovement{
		movement(1, domain.MovementFloat, "500", now),
		movement(2, domain.MovementCashIn, "200", now),
		movement(3, domain.MovementCashOut, "150", now),
		{ShiftID: "OTHER", Sequence: 4, MovementType: domain.MovementCashIn, Amount: decimal.NewFromInt(999)},
	})

	totals := l.Totals()
	require.Equal(t, 3, totals.Count)
	assert.True(t, totals.Floats.Equal(decimal.NewFromInt(500)))
	assert.True(t, totals.CashIn.Equal(decimal.NewFromInt(200)))
	assert.True(t, totals.CashOut.Equal(decimal.NewFromInt(150)))
	assert.True(t, totals.Net.Equal(decimal.NewFromInt(550)))

	expected := l.ExpectedCash(decimal.NewFromInt(1000), decimal.NewFromInt(2500))
	assert.True(t, expected.Equal(decimal.NewFromInt(4050)), "got %s", expected)
}

func TestRunningTotalsFollowSequenceNotClock(t *testing.T) {
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	// The second append carries an earlier client clock.
	l := New("SH1", []domain.CashMovement{
		movement(2, domain.MovementCashOut, "100", base.Add(-time.Hour)),
		movement(1, domain.MovementCashIn, "300", base),
		movement(3, domain.MovementCashIn, "50", base.Add(-2*time.Hour)),
	})

	running := l.RunningTotals()
	require.Len(t, running, 3)
	assert.Equal(t, "300", running[0].String())
	assert.Equal(t, "200", running[1].String())
	assert.Equal(t, "250", running[2].String())
	assert.Equal(t, int64(1), l.Movements()[0].Sequence)
}
