package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type field struct {
	name     string
	min, max int
}

// Fields in expression order: minute, hour, day of month, month, day of
// week. Day of week accepts 7 as an alias for Sunday.
var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day of month", 1, 31},
	{"month", 1, 12},
	{"day of week", 0, 7},
}

const dowField = 4

// Validate reports why expr is not a five-field calendar expression.
func Validate(expr string) error {
	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return fmt.Errorf("expected 5 fields, got %d", len(parts))
	}
	for i, p := range parts {
		if err := validateField(p, fields[i]); err != nil {
			return fmt.Errorf("%s field %q: %w", fields[i].name, p, err)
		}
	}
	return nil
}

func validateField(expr string, f field) error {
	for _, part := range strings.Split(expr, ",") {
		switch {
		case part == "*":
		case strings.HasPrefix(part, "*/"):
			n, err := strconv.Atoi(part[2:])
			if err != nil || n <= 0 {
				return fmt.Errorf("bad step %q", part)
			}
		case strings.Contains(part, "-"):
			lo, hi, ok := strings.Cut(part, "-")
			if !ok {
				return fmt.Errorf("bad range %q", part)
			}
			if _, err := parseValue(lo, f); err != nil {
				return err
			}
			if _, err := parseValue(hi, f); err != nil {
				return err
			}
		default:
			if _, err := parseValue(part, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func parseValue(s string, f field) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	if v < f.min || v > f.max {
		return 0, fmt.Errorf("%d out of range %d-%d", v, f.min, f.max)
	}
	return v, nil
}

// Match reports whether t falls in a minute selected by expr. An invalid
// expression never matches.
func Match(expr string, t time.Time) bool {
	if Validate(expr) != nil {
		return false
	}
	values := [5]int{t.Minute(), t.Hour(), t.Day(), int(t.Month()), int(t.Weekday())}
	for i, p := range strings.Fields(expr) {
		if !matchField(p, values[i], i == dowField) {
			return false
		}
	}
	return true
}

func matchField(expr string, value int, dow bool) bool {
	norm := func(v int) int {
		if dow && v == 7 {
			return 0
		}
		return v
	}
	for _, part := range strings.Split(expr, ",") {
		switch {
		case part == "*":
			return true
		case strings.HasPrefix(part, "*/"):
			n, _ := strconv.Atoi(part[2:])
			if value%n == 0 {
				return true
			}
		case strings.Contains(part, "-"):
			los, his, _ := strings.Cut(part, "-")
			lo, _ := strconv.Atoi(los)
			hi, _ := strconv.Atoi(his)
			lo, hi = norm(lo), norm(hi)
			if lo <= hi {
				if value >= lo && value <= hi {
					return true
				}
			} else if value >= lo || value <= hi {
				// Wrapping range, e.g. 22-2 for late night hours.
				return true
			}
		default:
			v, _ := strconv.Atoi(part)
			if norm(v) == value {
				return true
			}
		}
	}
	return false
}
