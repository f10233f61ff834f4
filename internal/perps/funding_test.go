package perps

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/sim-engine/internal/model"
)

func TestApplyFunding_WholePeriodsOnly(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	pos := openBTC(t, f, model.SideLong).Position

	res := f.engine.ApplyFunding(ctx, t0.Add(7*time.Hour), nil)
	assert.Empty(t, res.Charges)

	now := t0.Add(17 * time.Hour)
	res = f.engine.ApplyFunding(ctx, now, nil)
	require.Len(t, res.Charges, 1)
	assert.Equal(t, int64(2), res.Charges[0].Periods)
	// 1000 · 0.0001 · 2
	assert.True(t, res.Charges[0].Payment.Equal(d(0.2)))

	got, _ := f.store.GetPosition(ctx, pos.ID)
	assert.Equal(t, t0.Add(16*time.Hour), got.LastFundingAt)
	assert.True(t, got.FundingPaid.Equal(d(0.2)))
	assert.True(t, f.balance(t).Equal(d(900)), "funding settles at close")
}

func TestApplyFunding_IdempotentForSameNow(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	pos := openBTC(t, f, model.SideShort).Position

	now := t0.Add(24 * time.Hour)
	first := f.engine.ApplyFunding(ctx, now, nil)
	require.Len(t, first.Charges, 1)
	assert.True(t, first.Charges[0].Payment.Equal(d(-0.3)), "shorts receive positive funding")

	second := f.engine.ApplyFunding(ctx, now, nil)
	assert.Empty(t, second.Charges)
	assert.Empty(t, second.Failures)

	got, _ := f.store.GetPosition(ctx, pos.ID)
	assert.True(t, got.FundingPaid.Equal(d(-0.3)))
}

func TestApplyFunding_DueFilter(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	openBTC(t, f, model.SideLong)

	res := f.engine.ApplyFunding(ctx, t0.Add(8*time.Hour), func(string) bool { return false })
	assert.Empty(t, res.Charges)
}

func TestClose_DeductsFunding(t *testing.T) {
	f := newFixture(t, DefaultConfig(), nil)
	ctx := context.Background()
	pos := openBTC(t, f, model.SideLong).Position

	f.now = t0.Add(8 * time.Hour)
	f.engine.ApplyFunding(ctx, f.now, nil)

	res, err := f.engine.Close(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, res.Credit.Equal(d(99.9)))
	assert.True(t, res.RealizedPnL.Equal(d(-0.1)))
	assert.True(t, f.balance(t).Equal(d(999.9)))
}
