package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period is a label accounting quarter, formatted "YYYY-Q#".
type Period struct {
	Year    int
	Quarter int
}

func (p Period) String() string {
	return fmt.Sprintf("%d-Q%d", p.Year, p.Quarter)
}

// ParsePeriod parses "2024-Q4" style period strings.
func ParsePeriod(s string) (Period, error) {
	parts := strings.SplitN(s, "-Q", 2)
	if len(parts) != 2 {
		return Period{}, fmt.Errorf("period must be in format YYYY-Q# (e.g. 2024-Q4), got %q", s)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil || year < 1900 || year > 2200 {
		return Period{}, fmt.Errorf("invalid year in period %q", s)
	}
	quarter, err := strconv.Atoi(parts[1])
	if err != nil || quarter < 1 || quarter > 4 {
		return Period{}, fmt.Errorf("invalid quarter in period %q", s)
	}
	return Period{Year: year, Quarter: quarter}, nil
}

// Range returns the half-open [start, end) date range covered by the period.
func (p Period) Range() (time.Time, time.Time) {
	startMonth := time.Month((p.Quarter-1)*3 + 1)
	start := time.Date(p.Year, startMonth, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 3, 0)
	return start, end
}

// Contains reports whether the date falls inside the period.
func (p Period) Contains(t time.Time) bool {
	start, end := p.Range()
	return !t.Before(start) && t.Before(end)
}

// PeriodOf returns the period a date belongs to.
func PeriodOf(t time.Time) Period {
	return Period{Year: t.Year(), Quarter: (int(t.Month())-1)/3 + 1}
}
