package quota

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/gapscout/pkg/models"
)

// DefaultTiers is used when QUOTA_TIERS is unset.
const DefaultTiers = "free:3:3,creator:30:10,pro:200:50"

// Tiers maps a tier name to its allowance.
type Tiers map[string]models.TierLimits

// ParseTiers parses "name:monthly:daily" entries separated by commas.
func ParseTiers(raw string) (Tiers, error) {
	tiers := Tiers{}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("tier %q: want name:monthly:daily", entry)
		}
		name := strings.TrimSpace(parts[0])
		if name == "" {
			return nil, fmt.Errorf("tier %q: empty name", entry)
		}
		monthly, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || monthly < 0 {
			return nil, fmt.Errorf("tier %q: invalid monthly allowance", entry)
		}
		daily, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil || daily < 0 {
			return nil, fmt.Errorf("tier %q: invalid daily rate", entry)
		}
		if _, dup := tiers[name]; dup {
			return nil, fmt.Errorf("tier %q declared twice", name)
		}
		tiers[name] = models.TierLimits{Monthly: monthly, Daily: daily}
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("no tiers declared")
	}
	return tiers, nil
}

// Limits returns the allowance for tier, or ok=false if the tier is unknown.
func (t Tiers) Limits(tier string) (models.TierLimits, bool) {
	l, ok := t[tier]
	return l, ok
}

// Names returns the tier names in sorted order.
func (t Tiers) Names() []string {
	names := make([]string, 0, len(t))
	for n := range t {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// PeriodStart is the first instant of the calendar month (UTC) containing t.
func PeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextPeriodReset is the first instant of the month after t.
func NextPeriodReset(t time.Time) time.Time {
	return PeriodStart(t).AddDate(0, 1, 0)
}

// DayStart is midnight UTC of the day containing t.
func DayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NextDayReset is midnight UTC after t.
func NextDayReset(t time.Time) time.Time {
	return DayStart(t).AddDate(0, 0, 1)
}

// Roll applies any due period and day resets to l as of now. It reports
// whether anything changed.
func Roll(l *models.QuotaLedger, now time.Time) bool {
	changed := false
	if !now.Before(l.PeriodResetAt) {
		l.AnalysesUsedThisPeriod = 0
		l.PeriodStartedAt = PeriodStart(now)
		l.PeriodResetAt = NextPeriodReset(now)
		changed = true
	}
	if !now.Before(l.DayResetAt) {
		l.AnalysesUsedToday = 0
		l.DayResetAt = NextDayReset(now)
		changed = true
	}
	return changed
}

// NewLedger returns a fresh ledger row for identity.
func NewLedger(identity, tier string, now time.Time) *models.QuotaLedger {
	now = now.UTC()
	return &models.QuotaLedger{
		Identity:        identity,
		Tier:            tier,
		PeriodStartedAt: PeriodStart(now),
		PeriodResetAt:   NextPeriodReset(now),
		DayResetAt:      NextDayReset(now),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
