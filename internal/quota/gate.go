package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kiranshivaraju/gapscout/pkg/models"
)

var ErrUnknownTier = errors.New("unknown tier")

// Ledger is the persistence the Gate reads and adjusts.
type Ledger interface {
	GetLedger(ctx context.Context, identity string) (*models.QuotaLedger, bool, error)
	SetTier(ctx context.Context, identity, tier string, now time.Time) (*models.QuotaLedger, error)
}

// Gate answers usage questions for identities. Reservation and rollback run
// inside the admission and failure transactions of the job store; the Gate
// supplies the tier table they are checked against.
type Gate struct {
	ledger      Ledger
	tiers       Tiers
	defaultTier string
	now         func() time.Time
}

// NewGate creates a Gate. defaultTier must be present in tiers.
func NewGate(ledger Ledger, tiers Tiers, defaultTier string) *Gate {
	return &Gate{
		ledger:      ledger,
		tiers:       tiers,
		defaultTier: defaultTier,
		now:         time.Now,
	}
}

func (g *Gate) Tiers() Tiers { return g.tiers }
func (g *Gate) DefaultTier() string { return g.defaultTier }

// Usage returns the identity's current consumption. Identities that never
// submitted report a fresh ledger at the default tier.
func (g *Gate) Usage(ctx context.Context, identity string) (*models.Usage, error) {
	now := g.now().UTC()
	l, found, err := g.ledger.GetLedger(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("get ledger: %w", err)
	}
	if !found {
		l = NewLedger(identity, g.defaultTier, now)
	}
	Roll(l, now)
	return g.usage(l), nil
}

// SetTier moves identity to tier, creating the ledger row if needed.
func (g *Gate) SetTier(ctx context.Context, identity, tier string) (*models.Usage, error) {
	if _, ok := g.tiers.Limits(tier); !ok {
		return nil, fmt.Errorf("%w: %q (known tiers: %s)", ErrUnknownTier, tier, strings.Join(g.tiers.Names(), ", "))
	}
	now := g.now().UTC()
	l, err := g.ledger.SetTier(ctx, identity, tier, now)
	if err != nil {
		return nil, fmt.Errorf("set tier: %w", err)
	}
	Roll(l, now)
	return g.usage(l), nil
}

func (g *Gate) usage(l *models.QuotaLedger) *models.Usage {
	limits, ok := g.tiers.Limits(l.Tier)
	if !ok {
		limits, _ = g.tiers.Limits(g.defaultTier)
	}
	remaining := limits.Monthly - l.AnalysesUsedThisPeriod
	if daily := limits.Daily - l.AnalysesUsedToday; daily < remaining {
		remaining = daily
	}
	if remaining < 0 {
		remaining = 0
	}
	return &models.Usage{
		Identity:      l.Identity,
		Tier:          l.Tier,
		Used:          l.AnalysesUsedThisPeriod,
		MonthlyLimit:  limits.Monthly,
		Remaining:     remaining,
		PeriodResetAt: l.PeriodResetAt,
		UsedToday:     l.AnalysesUsedToday,
		DailyLimit:    limits.Daily,
		DayResetAt:    l.DayResetAt,
	}
}
