package domain

import (
	"fmt"
	"time"
)

// DateRange is a lastUpdated interval. A zero Lower or Upper means the side is open.
// Bounds are inclusive unless the matching Exclusive flag is set.
type DateRange struct {
	Lower          time.Time
	Upper          time.Time
	LowerExclusive bool
	UpperExclusive bool
}

// NewDateRange returns an inclusive [lower, upper] range.
func NewDateRange(lower, upper time.Time) (*DateRange, error) {
	if !lower.IsZero() && !upper.IsZero() && upper.Before(lower) {
		return nil, fmt.Errorf("%w: range upper %s is before lower %s", ErrInvalidInput, upper, lower)
	}
	return &DateRange{Lower: lower, Upper: upper}, nil
}

// HasLower reports whether the range is bounded below.
func (r DateRange) HasLower() bool { return !r.Lower.IsZero() }

// HasUpper reports whether the range is bounded above.
func (r DateRange) HasUpper() bool { return !r.Upper.IsZero() }

// Overlaps reports whether the closed interval [first, last] intersects the range.
func (r DateRange) Overlaps(first, last time.Time) bool {
	if r.HasLower() {
		if r.LowerExclusive {
			if !last.After(r.Lower) {
				return false
			}
		} else if last.Before(r.Lower) {
			return false
		}
	}
	if r.HasUpper() {
		if r.UpperExclusive {
			if !first.Before(r.Upper) {
				return false
			}
		} else if first.After(r.Upper) {
			return false
		}
	}
	return true
}

// Within reports whether the range is fully inside the closed interval [lower, upper].
// Open-ended ranges are never within a bounded interval.
func (r DateRange) Within(lower, upper time.Time) bool {
	if !r.HasLower() || !r.HasUpper() {
		return false
	}
	return !r.Lower.Before(lower) && !r.Upper.After(upper)
}

func (r DateRange) String() string {
	lb, ub := "[", "]"
	if r.LowerExclusive {
		lb = "("
	}
	if r.UpperExclusive {
		ub = ")"
	}
	return fmt.Sprintf("%s%s, %s%s", lb, formatBound(r.Lower), formatBound(r.Upper), ub)
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
