package models

import "time"

// TierLimits is the allowance of one subscription tier.
type TierLimits struct {
	Monthly int `json:"monthly"`
	Daily   int `json:"daily"`
}

// QuotaLedger is the per-identity usage row. Counters are reset lazily when
// their reset instant has passed.
type QuotaLedger struct {
	Identity               string    `db:"identity"                  json:"identity"`
	Tier                   string    `db:"tier"                      json:"tier"`
	AnalysesUsedThisPeriod int       `db:"analyses_used_this_period" json:"analyses_used_this_period"`
	PeriodStartedAt        time.Time `db:"period_started_at"         json:"period_started_at"`
	PeriodResetAt          time.Time `db:"period_reset_at"           json:"period_reset_at"`
	AnalysesUsedToday      int       `db:"analyses_used_today"       json:"analyses_used_today"`
	DayResetAt             time.Time `db:"day_reset_at"              json:"day_reset_at"`
	CreatedAt              time.Time `db:"created_at"                json:"created_at"`
	UpdatedAt              time.Time `db:"updated_at"                json:"updated_at"`
}

// Usage is the read model returned to operators.
type Usage struct {
	Identity      string    `json:"identity"`
	Tier          string    `json:"tier"`
	Used          int       `json:"used"`
	MonthlyLimit  int       `json:"monthly_limit"`
	Remaining     int       `json:"remaining"`
	PeriodResetAt time.Time `json:"period_reset_at"`
	UsedToday     int       `json:"used_today"`
	DailyLimit    int       `json:"daily_limit"`
	DayResetAt    time.Time `json:"day_reset_at"`
}
