// Package ramp plans staged fleet launches and synchronizes first publishes
// across device workers.
package ramp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Plan picks the launch plan from whichever ramp flag is set. With neither
// set the whole fleet launches in a single stage.
func Plan(stages, percentages string, total int) ([]int, error) {
	switch {
	case stages != "":
		return Parse(stages, total)
	case percentages != "":
		return ParsePercentages(percentages, total)
	default:
		return []int{total}, nil
	}
}

// Parse turns comma-separated absolute stage targets into a launch plan for
// a fleet of total devices. Targets must be positive and non-decreasing; a
// final stage covering the rest of the fleet is appended when missing.
func Parse(csv string, total int) ([]int, error) {
	fields := splitFields(csv)
	if len(fields) == 0 {
		return []int{total}, nil
	}

	plan := make([]int, 0, len(fields)+1)
	for _, field := range fields {
		v, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("ramp value %q is not an integer", field)
		}
		if v <= 0 {
			return nil, fmt.Errorf("ramp values must be positive, got %d", v)
		}
		if len(plan) > 0 && v < plan[len(plan)-1] {
			return nil, fmt.Errorf("ramp values must be non-decreasing, got %d after %d", v, plan[len(plan)-1])
		}
		plan = append(plan, v)
	}

	last := plan[len(plan)-1]
	if last > total {
		return nil, fmt.Errorf("ramp target %d exceeds total devices %d", last, total)
	}
	if last < total {
		plan = append(plan, total)
	}
	return plan, nil
}

// ParsePercentages turns comma-separated percentage stages into a launch
// plan. Values at or below 1 are read as fractions (0.25 means 25%); a
// trailing "%" is tolerated. Every stage launches at least one device and
// the plan always ends at the full fleet.
func ParsePercentages(csv string, total int) ([]int, error) {
	fields := splitFields(csv)
	if len(fields) == 0 {
		return []int{total}, nil
	}

	plan := make([]int, 0, len(fields)+1)
	var prevPct float64
	var prevCount int
	for _, field := range fields {
		text := strings.TrimSuffix(field, "%")
		pct, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return nil, fmt.Errorf("ramp percentage %q is not a number", field)
		}
		if pct <= 0 {
			return nil, fmt.Errorf("ramp percentages must be positive, got %v", pct)
		}
		if pct <= 1 {
			pct *= 100
		}
		if pct > 100 {
			return nil, fmt.Errorf("ramp percentages cannot exceed 100, got %v", pct)
		}
		if pct < prevPct {
			return nil, fmt.Errorf("ramp percentages must be non-decreasing, got %v after %v", pct, prevPct)
		}
		prevPct = pct

		count := int(math.Ceil(float64(total) * pct / 100))
		if count < 1 {
			count = 1
		}
		if count > total {
			count = total
		}
		if count < prevCount {
			count = prevCount
		}
		plan = append(plan, count)
		prevCount = count
	}

	if plan[len(plan)-1] < total {
		plan = append(plan, total)
	}
	return plan, nil
}

func splitFields(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	fields := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			fields = append(fields, trimmed)
		}
	}
	return fields
}
