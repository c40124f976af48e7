package tariff

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NoMatchingPeriodError reports a gap in a schedule: no period matched
// the instant. This indicates a configuration problem, so callers decide
// their own fallback; the resolver never guesses a rate.
type NoMatchingPeriodError struct {
	At     time.Time
	RateID uuid.UUID
}

func (e *NoMatchingPeriodError) Error() string {
	return fmt.Sprintf("tariff: no period in schedule %s matches %s",
		e.RateID, e.At.Format(time.RFC3339))
}

// Match is the resolved rate for an instant.
type Match struct {
	PeriodName string
	RatePerKWh float64
}

// Resolve maps an instant to the schedule's applicable period. The
// instant is localized into the schedule's time zone once; periods are
// evaluated in declared order and the first match wins, which makes
// declaration order the tie-break between overlapping periods.
func (s *Schedule) Resolve(at time.Time) (Match, error) {
	local := at.In(s.location())
	day := local.Weekday()
	minute := MinutesAt(local.Hour(), local.Minute())

	for _, p := range s.Periods {
		if p.matches(day, minute) {
			return Match{PeriodName: p.Name, RatePerKWh: p.RatePerKWh}, nil
		}
	}
	return Match{}, &NoMatchingPeriodError{At: at, RateID: s.RateID}
}

// NextBoundary returns the earliest instant strictly after `after` at
// which the resolved period could change: any period's start or end
// occurrence, or local midnight (the day-of-week flips). Used to split
// billing windows that straddle a rate transition.
func (s *Schedule) NextBoundary(after time.Time) time.Time {
	loc := s.location()
	local := after.In(loc)

	var best time.Time
	consider := func(t time.Time) {
		if t.After(after) && (best.IsZero() || t.Before(best)) {
			best = t
		}
	}

	// Check boundary occurrences today and tomorrow; one of them is
	// always strictly ahead of `after`.
	for dayOffset := 0; dayOffset <= 1; dayOffset++ {
		y, m, d := local.AddDate(0, 0, dayOffset).Date()
		consider(time.Date(y, m, d, 0, 0, 0, 0, loc)) // midnight
		for _, p := range s.Periods {
			consider(time.Date(y, m, d, int(p.Start)/60, int(p.Start)%60, 0, 0, loc))
			consider(time.Date(y, m, d, int(p.End)/60, int(p.End)%60, 0, 0, loc))
		}
	}
	return best
}

func (s *Schedule) location() *time.Location {
	if s.loc != nil {
		return s.loc
	}
	loc, err := time.LoadLocation(s.TimeZone)
	if err != nil {
		return time.UTC
	}
	s.loc = loc
	return loc
}
