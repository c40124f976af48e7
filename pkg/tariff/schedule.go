package tariff

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MinuteOfDay is a local wall-clock time expressed as minutes since
// midnight in the schedule's time zone.
type MinuteOfDay int

// MinutesAt converts a clock time to a MinuteOfDay.
func MinutesAt(hour, minute int) MinuteOfDay {
	return MinuteOfDay(hour*60 + minute)
}

const minutesPerDay = 24 * 60

// Period is one named, priced time-of-use window inside a schedule.
// Start is inclusive, End exclusive. End at or before Start means the
// range wraps past midnight; Start == End covers the whole day.
type Period struct {
	Name       string         `json:"name"`
	RatePerKWh float64        `json:"rate_per_kwh"`
	Days       []time.Weekday `json:"applicable_days"`
	Start      MinuteOfDay    `json:"start"`
	End        MinuteOfDay    `json:"end"`
}

// AllWeek is the day set covering every weekday.
func AllWeek() []time.Weekday {
	return []time.Weekday{
		time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
		time.Thursday, time.Friday, time.Saturday,
	}
}

// Weekdays is Monday through Friday.
func Weekdays() []time.Weekday {
	return []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}
}

func (p Period) appliesOn(day time.Weekday) bool {
	for _, d := range p.Days {
		if d == day {
			return true
		}
	}
	return false
}

// matches reports whether a localized instant falls inside the period.
// A wraparound range is the union of [Start, midnight) and [midnight, End).
func (p Period) matches(day time.Weekday, minute MinuteOfDay) bool {
	if !p.appliesOn(day) {
		return false
	}
	switch {
	case p.Start == p.End:
		return true
	case p.Start < p.End:
		return minute >= p.Start && minute < p.End
	default:
		return minute >= p.Start || minute < p.End
	}
}

// Schedule is a versioned, immutable-once-effective rate definition.
// Period order is load-bearing: the resolver takes the first declared
// match, so authors place specific periods before catch-all ones.
type Schedule struct {
	RateID        uuid.UUID  `json:"rate_id"`
	Provider      string     `json:"provider"`
	EffectiveDate time.Time  `json:"effective_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	Currency      string     `json:"currency"`
	TimeZone      string     `json:"time_zone"`
	Periods       []Period   `json:"periods"`

	loc *time.Location
}

// Validate checks the schedule and caches its time zone. Must be called
// before Resolve or NextBoundary.
func (s *Schedule) Validate() error {
	if s.RateID == uuid.Nil {
		s.RateID = uuid.New()
	}
	if len(s.Periods) == 0 {
		return errors.New("tariff: schedule has no periods")
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return fmt.Errorf("tariff: bad time zone %q: %w", s.TimeZone, err)
	}
	s.loc = loc
	if s.ExpiryDate != nil && !s.ExpiryDate.After(s.EffectiveDate) {
		return fmt.Errorf("tariff: schedule %s expires before it takes effect", s.RateID)
	}
	for i, p := range s.Periods {
		if p.Name == "" {
			return fmt.Errorf("tariff: period %d has no name", i)
		}
		if p.RatePerKWh < 0 {
			return fmt.Errorf("tariff: period %q has negative rate", p.Name)
		}
		if len(p.Days) == 0 {
			return fmt.Errorf("tariff: period %q applies to no days", p.Name)
		}
		if p.Start < 0 || p.Start >= minutesPerDay || p.End < 0 || p.End > minutesPerDay {
			return fmt.Errorf("tariff: period %q has out-of-range times", p.Name)
		}
	}
	return nil
}

// ActiveAt reports whether the schedule covers the instant.
func (s *Schedule) ActiveAt(at time.Time) bool {
	if at.Before(s.EffectiveDate) {
		return false
	}
	return s.ExpiryDate == nil || at.Before(*s.ExpiryDate)
}

// ActiveSchedule selects the single schedule in force at the instant:
// effective_date <= at < expiry_date, most recent effective date winning
// on overlap. Returns false when no schedule covers the instant.
func ActiveSchedule(schedules []*Schedule, at time.Time) (*Schedule, bool) {
	candidates := make([]*Schedule, 0, len(schedules))
	for _, s := range schedules {
		if s.ActiveAt(at) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].EffectiveDate.After(candidates[j].EffectiveDate)
	})
	return candidates[0], true
}
