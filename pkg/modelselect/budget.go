package modelselect

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Tier is a subscription tier.
type Tier string

const (
	TierFree    Tier = "free"
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
)

// DefaultCeilings are the per-period token ceilings used when a guard is
// configured without its own table.
var DefaultCeilings = map[Tier]int64{
	TierFree:    1000,
	TierBasic:   20000,
	TierPremium: 200000,
}

// Period is the length of a billing period.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

// Key returns the period bucket containing t, in UTC.
func (p Period) Key(t time.Time) string {
	t = t.UTC()
	if p == PeriodMonth {
		return t.Format("2006-01")
	}
	return t.Format("2006-01-02")
}

// Length is an upper bound on the period's duration, used for expiry.
func (p Period) Length() time.Duration {
	if p == PeriodMonth {
		return 31 * 24 * time.Hour
	}
	return 24 * time.Hour
}

// TierSource resolves a user's subscription tier.
type TierSource interface {
	Tier(ctx context.Context, userID string) (Tier, error)
}

// StaticTiers is a fixed user to tier table. Unknown users are free.
type StaticTiers map[string]Tier

func (m StaticTiers) Tier(_ context.Context, userID string) (Tier, error) {
	if t, ok := m[userID]; ok {
		return t, nil
	}
	return TierFree, nil
}

// Decision is the outcome of a budget check. A denial is a normal result,
// not an error.
type Decision struct {
	Allowed bool
	Reason  string
	Tier    Tier
	Used    int64
	Ceiling int64

	// Period is the billing period a granted reservation was recorded in.
	Period string
}

// GuardConfig configures a [BudgetGuard].
type GuardConfig struct {
	// Ceilings maps tier to per-period token ceiling. Nil uses
	// DefaultCeilings. A tier missing from the table gets the free ceiling.
	Ceilings map[Tier]int64

	// Period defaults to PeriodDay.
	Period Period

	// Tiers defaults to StaticTiers{} (everyone free).
	Tiers TierSource

	Now    func() time.Time
	Logger *slog.Logger
}

// BudgetGuard enforces per-user token ceilings over a rolling billing
// period. Usage accounting is delegated to a [Usage] store so the counter
// can be shared between processes.
type BudgetGuard struct {
	usage    Usage
	ceilings map[Tier]int64
	period   Period
	tiers    TierSource
	now      func() time.Time
	logger   *slog.Logger
}

var _ BudgetChecker = (*BudgetGuard)(nil)

// NewBudgetGuard creates a guard over usage.
func NewBudgetGuard(usage Usage, cfg GuardConfig) *BudgetGuard {
	g := &BudgetGuard{
		usage:    usage,
		ceilings: cfg.Ceilings,
		period:   cfg.Period,
		tiers:    cfg.Tiers,
		now:      cfg.Now,
		logger:   cfg.Logger,
	}
	if g.ceilings == nil {
		g.ceilings = DefaultCeilings
	}
	if g.period == "" {
		g.period = PeriodDay
	}
	if g.tiers == nil {
		g.tiers = StaticTiers{}
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

func (g *BudgetGuard) ceiling(t Tier) int64 {
	if c, ok := g.ceilings[t]; ok {
		return c
	}
	if c, ok := g.ceilings[TierFree]; ok {
		return c
	}
	return DefaultCeilings[TierFree]
}

func (g *BudgetGuard) resolve(ctx context.Context, userID string) (Tier, int64, string, error) {
	tier, err := g.tiers.Tier(ctx, userID)
	if err != nil {
		return "", 0, "", fmt.Errorf("modelselect: resolve tier for %s: %w", userID, err)
	}
	if tier == "" {
		tier = TierFree
	}
	return tier, g.ceiling(tier), g.period.Key(g.now()), nil
}

// CheckBudget reports whether spending estimated more tokens stays within
// the user's ceiling. It does not record anything.
func (g *BudgetGuard) CheckBudget(ctx context.Context, userID string, estimated int64) (Decision, error) {
	tier, ceiling, period, err := g.resolve(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	used, err := g.usage.Used(ctx, userID, period)
	if err != nil {
		return Decision{}, fmt.Errorf("modelselect: usage for %s: %w", userID, err)
	}
	d := decide(tier, used, estimated, ceiling)
	if !d.Allowed {
		g.logDenied(userID, d, estimated)
	}
	return d, nil
}

// Reserve atomically checks the ceiling and, if allowed, records estimated
// tokens against the user. Callers settle the difference with [BudgetGuard.Settle]
// once the real usage is known.
func (g *BudgetGuard) Reserve(ctx context.Context, userID string, estimated int64) (Decision, error) {
	tier, ceiling, period, err := g.resolve(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	used, ok, err := g.usage.Reserve(ctx, userID, period, estimated, ceiling, g.period.Length()*2)
	if err != nil {
		return Decision{}, fmt.Errorf("modelselect: reserve for %s: %w", userID, err)
	}
	if !ok {
		d := decide(tier, used, estimated, ceiling)
		g.logDenied(userID, d, estimated)
		return d, nil
	}
	return Decision{Allowed: true, Reason: "ok", Tier: tier, Used: used, Ceiling: ceiling, Period: period}, nil
}

// Settle adjusts a reservation once actual usage is known. A negative
// delta refunds tokens, e.g. for a call that failed. period is the
// [Decision.Period] of the reservation, so a call that straddles a period
// boundary is settled where it was reserved; empty means the current
// period.
func (g *BudgetGuard) Settle(ctx context.Context, userID, period string, reserved, actual int64) error {
	delta := actual - reserved
	if delta == 0 {
		return nil
	}
	if period == "" {
		period = g.period.Key(g.now())
	}
	if _, err := g.usage.Add(ctx, userID, period, delta, g.period.Length()*2); err != nil {
		return fmt.Errorf("modelselect: settle for %s: %w", userID, err)
	}
	return nil
}

// Used returns the user's usage in the current period.
func (g *BudgetGuard) Used(ctx context.Context, userID string) (int64, error) {
	return g.usage.Used(ctx, userID, g.period.Key(g.now()))
}

// TierOf returns the user's tier.
func (g *BudgetGuard) TierOf(ctx context.Context, userID string) (Tier, error) {
	tier, _, _, err := g.resolve(ctx, userID)
	return tier, err
}

func (g *BudgetGuard) logDenied(userID string, d Decision, estimated int64) {
	g.logger.Info("budget denied",
		"user", userID,
		"tier", string(d.Tier),
		"used", d.Used,
		"estimated", estimated,
		"ceiling", d.Ceiling)
}

func decide(tier Tier, used, estimated, ceiling int64) Decision {
	d := Decision{Tier: tier, Used: used, Ceiling: ceiling}
	if used+estimated > ceiling {
		d.Reason = fmt.Sprintf("%s tier ceiling %d reached (used %d, need %d)", tier, ceiling, used, estimated)
		return d
	}
	d.Allowed = true
	d.Reason = "ok"
	return d
}

// LimitMessage returns the user-facing text shown when a tier's budget is
// exhausted.
func LimitMessage(t Tier) string {
	switch t {
	case TierPremium:
		return "We've talked a lot today! Let's pick this up again tomorrow."
	case TierBasic:
		return "You've reached today's chat limit. Upgrade to Premium for much longer conversations, or come back tomorrow."
	default:
		return "You've used today's free messages. Upgrade to keep chatting, or come back tomorrow."
	}
}
