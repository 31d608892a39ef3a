package promptgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

const (
	ledgerRecordTTL = 90 * 24 * time.Hour
	ledgerDailyTTL  = 90 * 24 * time.Hour
	ledgerMonthTTL  = 365 * 24 * time.Hour
	alertMarkerTTL  = 24 * time.Hour
)

// CostRecord is one priced request as written to the ledger.
type CostRecord struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id,omitempty"`
	Feature   string    `json:"feature,omitempty"`
	Model     string    `json:"model"`
	Tokens    Usage     `json:"tokens"`
	CostUSD   float64   `json:"cost_usd"`
	Cached    bool      `json:"cached"`
	Timestamp time.Time `json:"timestamp"`
}

// CostAggregate summarizes spend over one period bucket.
type CostAggregate struct {
	Period    string  `json:"period"`
	CostUSD   float64 `json:"cost_usd"`
	Requests  int64   `json:"requests"`
	Tokens    int64   `json:"tokens"`
	BudgetUSD float64 `json:"budget_usd,omitempty"`
	Percent   float64 `json:"budget_used_percent,omitempty"`
}

// BudgetAlert describes a crossed budget threshold.
type BudgetAlert struct {
	Period    string  `json:"period"`
	Scope     string  `json:"scope"`
	CostUSD   float64 `json:"cost_usd"`
	BudgetUSD float64 `json:"budget_usd"`
	Percent   float64 `json:"percent"`
}

// AlertFunc receives budget alerts. It must not block.
type AlertFunc func(BudgetAlert)

// CostLedger accumulates per-request cost into daily and monthly
// buckets and fires budget alerts when thresholds are crossed. All
// writes are best effort: a store failure is logged and the request
// proceeds unpriced.
type CostLedger struct {
	store  Store
	cfg    BudgetConfig
	logger *slog.Logger
	alert  AlertFunc
	now    func() time.Time
}

// LedgerOption configures a CostLedger.
type LedgerOption func(*CostLedger)

// WithLedgerLogger sets the logger.
func WithLedgerLogger(l *slog.Logger) LedgerOption {
	return func(c *CostLedger) { c.logger = l }
}

// WithAlertFunc sets the budget alert hook.
func WithAlertFunc(fn AlertFunc) LedgerOption {
	return func(c *CostLedger) { c.alert = fn }
}

// WithLedgerClock overrides the time source. For tests.
func WithLedgerClock(now func() time.Time) LedgerOption {
	return func(c *CostLedger) { c.now = now }
}

// NewCostLedger creates a ledger over the shared store.
func NewCostLedger(store Store, cfg BudgetConfig, opts ...LedgerOption) *CostLedger {
	c := &CostLedger{
		store:  store,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func dailyKey(day time.Time) string   { return "costs:daily:" + day.UTC().Format("2006-01-02") }
func monthlyKey(day time.Time) string { return "costs:monthly:" + day.UTC().Format("2006-01") }

func userDailyKey(userID string, day time.Time) string {
	return "costs:user:" + SanitizeIdentifier(userID) + ":daily:" + day.UTC().Format("2006-01-02")
}

func featureDailyKey(feature string, day time.Time) string {
	return "costs:feature:" + SanitizeIdentifier(feature) + ":daily:" + day.UTC().Format("2006-01-02")
}

// Record writes one cost record and bumps every aggregate it belongs
// to, then checks budgets. Never returns an error.
func (c *CostLedger) Record(ctx context.Context, rec CostRecord) {
	if !c.cfg.Enabled {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.now().UTC()
	}

	if data, err := json.Marshal(rec); err == nil {
		if err := c.store.Set(ctx, "costs:record:"+rec.RequestID, data, ledgerRecordTTL); err != nil {
			c.logger.Error("ledger record write failed", "error", err, "request_id", rec.RequestID)
		}
	}

	deltas := map[string]float64{
		"cost":     rec.CostUSD,
		"requests": 1,
		"tokens":   float64(rec.Tokens.Total),
	}

	buckets := []struct {
		key string
		ttl time.Duration
	}{
		{dailyKey(rec.Timestamp), ledgerDailyTTL},
		{monthlyKey(rec.Timestamp), ledgerMonthTTL},
	}
	if rec.UserID != "" {
		buckets = append(buckets, struct {
			key string
			ttl time.Duration
		}{userDailyKey(rec.UserID, rec.Timestamp), ledgerDailyTTL})
	}
	if rec.Feature != "" {
		buckets = append(buckets, struct {
			key string
			ttl time.Duration
		}{featureDailyKey(rec.Feature, rec.Timestamp), ledgerDailyTTL})
	}

	for _, b := range buckets {
		if err := c.store.IncrFields(ctx, b.key, deltas, b.ttl); err != nil {
			c.logger.Error("ledger aggregate update failed", "error", err, "key", b.key)
		}
	}

	c.checkBudgets(ctx, rec.Timestamp)
}

func (c *CostLedger) checkBudgets(ctx context.Context, ts time.Time) {
	if c.cfg.DailyUSD > 0 {
		c.checkBudget(ctx, "daily", ts.UTC().Format("2006-01-02"), dailyKey(ts), c.cfg.DailyUSD)
	}
	if c.cfg.MonthlyUSD > 0 {
		c.checkBudget(ctx, "monthly", ts.UTC().Format("2006-01"), monthlyKey(ts), c.cfg.MonthlyUSD)
	}
}

// checkBudget fires at most one alert per period per day: the marker is
// claimed with SetNX before the hook runs.
func (c *CostLedger) checkBudget(ctx context.Context, period, bucket, key string, budget float64) {
	fields, err := c.store.GetFields(ctx, key)
	if err != nil {
		c.logger.Error("ledger budget check failed", "error", err, "key", key)
		return
	}

	cost := fields["cost"]
	fraction := cost / budget
	if fraction < c.cfg.AlertThreshold {
		return
	}

	marker := fmt.Sprintf("costs:alert_sent:%s:%s", period, bucket)
	claimed, err := c.store.SetNX(ctx, marker, []byte("1"), alertMarkerTTL)
	if err != nil {
		c.logger.Error("ledger alert marker failed", "error", err, "key", marker)
		return
	}
	if !claimed {
		return
	}

	alert := BudgetAlert{
		Period:    period,
		Scope:     bucket,
		CostUSD:   cost,
		BudgetUSD: budget,
		Percent:   fraction * 100,
	}
	c.logger.Warn("budget threshold crossed",
		"period", period, "cost_usd", cost, "budget_usd", budget, "percent", alert.Percent)
	if c.alert != nil {
		c.alert(alert)
	}
}

func (c *CostLedger) aggregate(ctx context.Context, period, key string, budget float64) (CostAggregate, error) {
	fields, err := c.store.GetFields(ctx, key)
	if err != nil {
		return CostAggregate{}, err
	}

	agg := CostAggregate{
		Period:   period,
		CostUSD:  fields["cost"],
		Requests: int64(fields["requests"]),
		Tokens:   int64(fields["tokens"]),
	}
	if budget > 0 {
		agg.BudgetUSD = budget
		agg.Percent = agg.CostUSD / budget * 100
	}
	return agg, nil
}

// DailyCost returns the aggregate for one UTC day. A day with no spend
// yields a zero aggregate, not an error.
func (c *CostLedger) DailyCost(ctx context.Context, day time.Time) (CostAggregate, error) {
	return c.aggregate(ctx, day.UTC().Format("2006-01-02"), dailyKey(day), c.cfg.DailyUSD)
}

// MonthlyCost returns the aggregate for one UTC month.
func (c *CostLedger) MonthlyCost(ctx context.Context, month time.Time) (CostAggregate, error) {
	return c.aggregate(ctx, month.UTC().Format("2006-01"), monthlyKey(month), c.cfg.MonthlyUSD)
}

// UserCost returns one user's aggregate for one UTC day.
func (c *CostLedger) UserCost(ctx context.Context, userID string, day time.Time) (CostAggregate, error) {
	return c.aggregate(ctx, day.UTC().Format("2006-01-02"), userDailyKey(userID, day), 0)
}
