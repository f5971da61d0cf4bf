package scheduler

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is wrapped by every schedule parsing failure.
var ErrInvalidSchedule = errors.New("scheduler: invalid schedule")

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var intervalUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// ParseSchedule accepts the interval shorthands
//
//	every 3 seconds
//	every 90s
//	at 02:01
//	at 00:01 every day
//
// as well as cron descriptors such as @daily or @every 5m and standard cron with five
// fields or six fields (leading seconds).
func ParseSchedule(expr string) (cron.Schedule, error) {
	collapsed := strings.Join(strings.Fields(expr), " ")
	normalized := strings.ToLower(collapsed)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidSchedule)
	}

	switch {
	case strings.HasPrefix(normalized, "every "):
		return parseEvery(expr, strings.TrimPrefix(normalized, "every "))
	case strings.HasPrefix(normalized, "at "):
		return parseAt(expr, strings.TrimPrefix(normalized, "at "))
	}

	schedule, err := cronParser.Parse(collapsed)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
	}
	return schedule, nil
}

func parseEvery(expr, rest string) (cron.Schedule, error) {
	fields := strings.Fields(rest)

	var interval time.Duration
	switch len(fields) {
	case 1:
		if unit, ok := lookupUnit(fields[0]); ok {
			interval = unit
			break
		}
		d, err := time.ParseDuration(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidSchedule, expr, err)
		}
		interval = d
	case 2:
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%w %q: interval count %q is not a number", ErrInvalidSchedule, expr, fields[0])
		}
		unit, ok := lookupUnit(fields[1])
		if !ok {
			return nil, fmt.Errorf("%w %q: unknown unit %q", ErrInvalidSchedule, expr, fields[1])
		}
		if n <= 0 || int64(n) > math.MaxInt64/int64(unit) {
			return nil, fmt.Errorf("%w %q: interval count %d is out of range", ErrInvalidSchedule, expr, n)
		}
		interval = time.Duration(n) * unit
	default:
		return nil, fmt.Errorf("%w %q: expected \"every N seconds|minutes|hours\"", ErrInvalidSchedule, expr)
	}

	if interval < time.Second {
		return nil, fmt.Errorf("%w %q: interval must be at least one second", ErrInvalidSchedule, expr)
	}
	return cron.Every(interval), nil
}

func lookupUnit(word string) (time.Duration, bool) {
	unit, ok := intervalUnits[strings.TrimSuffix(word, "s")]
	return unit, ok
}

func parseAt(expr, rest string) (cron.Schedule, error) {
	rest = strings.TrimSuffix(rest, " every day")
	clock, err := time.Parse("15:04", rest)
	if err != nil {
		return nil, fmt.Errorf("%w %q: expected \"at HH:MM [every day]\"", ErrInvalidSchedule, expr)
	}
	return cronParser.Parse(fmt.Sprintf("0 %d %d * * *", clock.Minute(), clock.Hour()))
}

// Next returns up to n upcoming activation times of expr after from.
func Next(expr string, from time.Time, n int) ([]time.Time, error) {
	schedule, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	var ticks []time.Time
	t := from
	for i := 0; i < n; i++ {
		t = schedule.Next(t)
		if t.IsZero() {
			break
		}
		ticks = append(ticks, t)
	}
	return ticks, nil
}
