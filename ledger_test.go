package promptgate_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pg "github.com/ineyio/promptgate"
	"github.com/ineyio/promptgate/store"
)

func testBudgetConfig() pg.BudgetConfig {
	return pg.BudgetConfig{Enabled: true, DailyUSD: 100, MonthlyUSD: 2000, AlertThreshold: 0.8}
}

func testRecord(requestID string, cost float64) pg.CostRecord {
	return pg.CostRecord{
		RequestID: requestID,
		UserID:    "alice",
		Feature:   "chat",
		Model:     "gpt-4o-mini",
		Tokens:    pg.Usage{Input: 100, Output: 50, Total: 150},
		CostUSD:   cost,
	}
}

func TestLedger_AggregatesDailyAndMonthly(t *testing.T) {
	l := pg.NewCostLedger(store.NewMemoryStore(), testBudgetConfig())
	ctx := context.Background()

	l.Record(ctx, testRecord("req-1", 0.01))
	l.Record(ctx, testRecord("req-2", 0.02))

	daily, err := l.DailyCost(ctx, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.03, daily.CostUSD, 1e-9)
	assert.Equal(t, int64(2), daily.Requests)
	assert.Equal(t, int64(300), daily.Tokens)
	assert.Equal(t, 100.0, daily.BudgetUSD)

	monthly, err := l.MonthlyCost(ctx, time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.03, monthly.CostUSD, 1e-9)
	assert.Equal(t, int64(2), monthly.Requests)
}

func TestLedger_PerUserAggregate(t *testing.T) {
	l := pg.NewCostLedger(store.NewMemoryStore(), testBudgetConfig())
	ctx := context.Background()

	l.Record(ctx, testRecord("req-1", 0.01))

	rec := testRecord("req-2", 0.05)
	rec.UserID = "bob"
	l.Record(ctx, rec)

	alice, err := l.UserCost(ctx, "alice", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.01, alice.CostUSD, 1e-9)

	bob, err := l.UserCost(ctx, "bob", time.Now())
	require.NoError(t, err)
	assert.InDelta(t, 0.05, bob.CostUSD, 1e-9)
}

func TestLedger_EmptyPeriodIsZero(t *testing.T) {
	l := pg.NewCostLedger(store.NewMemoryStore(), testBudgetConfig())

	agg, err := l.DailyCost(context.Background(), time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Zero(t, agg.CostUSD)
	assert.Zero(t, agg.Requests)
}

func TestLedger_BudgetAlertFiresOnce(t *testing.T) {
	cfg := pg.BudgetConfig{Enabled: true, DailyUSD: 1, AlertThreshold: 0.8}

	var alerts []pg.BudgetAlert
	l := pg.NewCostLedger(store.NewMemoryStore(), cfg,
		pg.WithAlertFunc(func(a pg.BudgetAlert) { alerts = append(alerts, a) }))
	ctx := context.Background()

	l.Record(ctx, testRecord("req-1", 0.5))
	assert.Empty(t, alerts, "below threshold, no alert")

	l.Record(ctx, testRecord("req-2", 0.4))
	require.Len(t, alerts, 1, "crossing the daily budget threshold fires one alert")
	assert.Equal(t, "daily", alerts[0].Period)
	assert.InDelta(t, 0.9, alerts[0].CostUSD, 1e-9)
	assert.InDelta(t, 90.0, alerts[0].Percent, 1e-6)

	l.Record(ctx, testRecord("req-3", 0.4))
	assert.Len(t, alerts, 1, "alert is suppressed after the first")
}

func TestLedger_Disabled(t *testing.T) {
	cfg := testBudgetConfig()
	cfg.Enabled = false
	l := pg.NewCostLedger(store.NewMemoryStore(), cfg)
	ctx := context.Background()

	l.Record(ctx, testRecord("req-1", 0.01))

	agg, err := l.DailyCost(ctx, time.Now())
	require.NoError(t, err)
	assert.Zero(t, agg.Requests)
}

func TestLedger_StoreFailureDoesNotPanic(t *testing.T) {
	l := pg.NewCostLedger(failingStore{}, testBudgetConfig())

	assert.NotPanics(t, func() {
		l.Record(context.Background(), testRecord("req-1", 0.01))
	})
}
