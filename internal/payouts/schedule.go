package payouts

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"gopkg.in/yaml.v3"
)

//go:embed schedule_defaults.yaml
var defaultScheduleYAML []byte

// Interval is how often a business is paid out by the sweep.
type Interval string

const (
	IntervalDaily     Interval = "daily"
	IntervalWeekly    Interval = "weekly"
	IntervalMonthly   Interval = "monthly"
	IntervalManual    Interval = "manual"
	IntervalAutomatic Interval = "automatic"
)

// Valid reports whether i is a known interval.
func (i Interval) Valid() bool {
	switch i {
	case IntervalDaily, IntervalWeekly, IntervalMonthly, IntervalManual, IntervalAutomatic:
		return true
	}
	return false
}

// Schedule is a business's payout policy.
type Schedule struct {
	BusinessID    string     `json:"businessId" yaml:"-"`
	Interval      Interval   `json:"interval" yaml:"interval"`
	WeeklyAnchor  string     `json:"weeklyAnchor,omitempty" yaml:"weeklyAnchor"`
	MonthlyAnchor int        `json:"monthlyAnchor,omitempty" yaml:"monthlyAnchor"`
	MinimumAmount int64      `json:"minimumAmount" yaml:"minimumAmount"`
	Currency      string     `json:"currency" yaml:"currency"`
	Active        bool       `json:"active" yaml:"-"`
	LastRunAt     *time.Time `json:"lastRunAt,omitempty" yaml:"-"`
	UpdatedAt     time.Time  `json:"updatedAt" yaml:"-"`
}

// DefaultSchedule returns the compiled-in schedule for businessID.
func DefaultSchedule(businessID string) (*Schedule, error) {
	var s Schedule
	if err := yaml.Unmarshal(defaultScheduleYAML, &s); err != nil {
		return nil, fmt.Errorf("payouts: parse default schedule: %w", err)
	}
	s.BusinessID = businessID
	s.Active = true
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("payouts: default schedule: %w", err)
	}
	return &s, nil
}

// Validate normalizes s and checks its anchors and minimum.
func (s *Schedule) Validate() error {
	if !s.Interval.Valid() {
		return apperr.Validation("interval", "must be one of daily, weekly, monthly, manual, automatic")
	}
	s.WeeklyAnchor = strings.ToLower(strings.TrimSpace(s.WeeklyAnchor))
	if s.Interval == IntervalWeekly {
		if _, ok := parseWeekday(s.WeeklyAnchor); !ok {
			return apperr.Validation("weeklyAnchor", "must be a day of the week")
		}
	}
	if s.Interval == IntervalMonthly && (s.MonthlyAnchor < 1 || s.MonthlyAnchor > 31) {
		return apperr.Validation("monthlyAnchor", "must be between 1 and 31")
	}
	if s.MinimumAmount < MinimumAmount {
		return apperr.Validation("minimumAmount", fmt.Sprintf("must be at least %d", MinimumAmount))
	}
	s.Currency = strings.ToUpper(s.Currency)
	return nil
}

// Due reports whether the sweep should consider s at now. A schedule runs
// at most once per UTC day.
func (s *Schedule) Due(now time.Time) bool {
	if !s.Active {
		return false
	}
	now = now.UTC()
	if s.LastRunAt != nil && sameDay(s.LastRunAt.UTC(), now) && s.Interval != IntervalAutomatic {
		return false
	}
	switch s.Interval {
	case IntervalAutomatic, IntervalDaily:
		return true
	case IntervalWeekly:
		d, ok := parseWeekday(s.WeeklyAnchor)
		return ok && now.Weekday() == d
	case IntervalMonthly:
		day := s.MonthlyAnchor
		if last := daysIn(now); day > last {
			day = last
		}
		return now.Day() == day
	}
	return false
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func parseWeekday(s string) (time.Weekday, bool) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, true
		}
	}
	return 0, false
}
