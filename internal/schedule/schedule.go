// Package schedule parses the interval and alignment strings accepted in the
// runner config.
//
// Interval forms:
//   - Go duration: "8ms", "1s", "2h30m"
//   - HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
//   - frequency: "120hz" (one tick every 1/120 s)
//   - cron constant delay: "@every 5s"
//
// "interval:" or "every:" may prefix any of them.
//
// Alignment is a cron expression (5 or 6 fields, or a descriptor such as
// "@hourly") naming the instant the first tick should happen.
package schedule

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Interval is a parsed interval string.
type Interval struct {
	Every  time.Duration
	Source string // "duration" | "hhmm" | "hz" | "every"
}

var (
	reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)
	reHz   = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*hz\s*$`)
)

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseInterval parses raw into a positive duration.
func ParseInterval(raw string) (Interval, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Interval{}, fmt.Errorf("interval required")
	}
	low := strings.ToLower(s)
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			s = strings.TrimSpace(s[len(p):])
			low = strings.ToLower(s)
			break
		}
	}
	if s == "" {
		return Interval{}, fmt.Errorf("interval required")
	}

	var (
		d   time.Duration
		src string
		err error
	)
	switch {
	case strings.HasPrefix(low, "@every"):
		d, err = parseEvery(s)
		src = "every"
	case reHHMM.MatchString(s):
		d, err = parseHHMMDuration(s)
		src = "hhmm"
	case reHz.MatchString(s):
		d, err = parseHz(s)
		src = "hz"
	default:
		d, err = time.ParseDuration(s)
		if err != nil {
			err = fmt.Errorf("invalid interval %q (use a duration like '8ms', HH:MM, '120hz' or '@every 5s')", raw)
		}
		src = "duration"
	}
	if err != nil {
		return Interval{}, err
	}
	if d <= 0 {
		return Interval{}, fmt.Errorf("interval must be > 0")
	}
	return Interval{Every: d, Source: src}, nil
}

// parseEvery validates the descriptor with cron and keeps the sub-second
// part that cron.Every would round away.
func parseEvery(s string) (time.Duration, error) {
	if _, err := parser.Parse(s); err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	rest := strings.TrimSpace(s[len("@every"):])
	d, err := time.ParseDuration(rest)
	if err != nil {
		return 0, fmt.Errorf("invalid interval %q: %w", s, err)
	}
	return d, nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	hh, _ := strconv.Atoi(m[1])
	mm, _ := strconv.Atoi(m[2])
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	return time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute, nil
}

func parseHz(v string) (time.Duration, error) {
	m := reHz.FindStringSubmatch(v)
	hz, err := strconv.ParseFloat(m[1], 64)
	if err != nil || hz <= 0 {
		return 0, fmt.Errorf("invalid frequency %q", v)
	}
	return time.Duration(float64(time.Second) / hz), nil
}

// NextAlignment returns the first activation of expr strictly after now, in
// loc (time.Local when nil). An empty expr means no alignment: now is
// returned as is.
func NextAlignment(expr string, now time.Time, loc *time.Location) (time.Time, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return now, nil
	}
	if strings.HasPrefix(strings.ToLower(expr), "cron:") {
		expr = strings.TrimSpace(expr[len("cron:"):])
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid align %q: %w", expr, err)
	}
	if loc == nil {
		loc = time.Local
	}
	next := sched.Next(now.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("align %q never fires", expr)
	}
	return next, nil
}

// ValidateAlignment reports whether expr is empty or a valid cron spec.
func ValidateAlignment(expr string) error {
	_, err := NextAlignment(expr, time.Now(), time.UTC)
	return err
}
