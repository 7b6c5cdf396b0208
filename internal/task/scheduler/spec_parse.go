package scheduler

import (
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"skytask/internal/errs"
)

// Cron expressions accept 5 fields, 6 fields with leading seconds, "?" in the
// day fields and @descriptors.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// LoadLocation resolves an IANA name; "" means fallback.
func LoadLocation(tz string, fallback *time.Location) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		if fallback == nil {
			return time.Local, nil
		}
		return fallback, nil
	}
	return time.LoadLocation(tz)
}

// ParseCron parses expr evaluated in timezone tz.
func ParseCron(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errs.InvalidArgument("cron expression required")
	}
	if strings.HasPrefix(strings.ToUpper(expr), "CRON_TZ=") || strings.HasPrefix(strings.ToUpper(expr), "TZ=") {
		return nil, errs.InvalidArgument("cron expression %q: use the timezone field instead of a TZ prefix", expr)
	}
	loc, err := LoadLocation(tz, nil)
	if err != nil {
		return nil, errs.InvalidArgument("invalid timezone %q: %v", tz, err)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, errs.InvalidArgument("invalid cron expression %q: %v", expr, err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return sched, nil
}

// ValidateCron reports InvalidArgument for an unparsable expression or timezone.
func ValidateCron(expr, tz string) error {
	_, err := ParseCron(expr, tz)
	return err
}

// NextFireTimes previews the next n fire times after from.
func NextFireTimes(expr, tz string, from time.Time, n int) ([]time.Time, error) {
	sched, err := ParseCron(expr, tz)
	if err != nil {
		return nil, err
	}
	out := make([]time.Time, 0, n)
	t := from
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}

// repeatInterval is max(timeoutSeconds, 60s).
func repeatInterval(timeoutSeconds int) time.Duration {
	return max(time.Duration(timeoutSeconds)*time.Second, MinRepeat)
}
