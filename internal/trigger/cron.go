package trigger

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowrelay/relay/pkg/schema"
)

// newParser returns the standard 5-field cron parser
// (minute hour day-of-month month day-of-week).
func newParser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// NextOccurrence computes the next fire time of a cron expression strictly
// after from, in UTC.
func (s *Service) NextOccurrence(cronExpr string, from time.Time) (time.Time, error) {
	sched, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation,
			"parse cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}
	return sched.Next(from.UTC()), nil
}

// Describe renders a human-readable summary for common cron patterns.
// Display only; evaluation always goes through the parser.
func Describe(cronExpr string) string {
	f := strings.Fields(cronExpr)
	if len(f) != 5 {
		return cronExpr
	}
	minute, hour, dom, month, dow := f[0], f[1], f[2], f[3], f[4]

	if dom != "*" || month != "*" || dow != "*" {
		return cronExpr
	}

	switch {
	case minute == "*" && hour == "*":
		return "every minute"
	case strings.HasPrefix(minute, "*/") && hour == "*":
		if n, err := strconv.Atoi(minute[2:]); err == nil {
			if n == 1 {
				return "every minute"
			}
			return fmt.Sprintf("every %d minutes", n)
		}
	case minute == "0" && hour == "*":
		return "every hour"
	case minute == "0" && strings.HasPrefix(hour, "*/"):
		if n, err := strconv.Atoi(hour[2:]); err == nil {
			if n == 1 {
				return "every hour"
			}
			return fmt.Sprintf("every %d hours", n)
		}
	case isNumeric(minute) && isNumeric(hour):
		m, _ := strconv.Atoi(minute)
		h, _ := strconv.Atoi(hour)
		return fmt.Sprintf("daily at %02d:%02d", h, m)
	}
	return cronExpr
}

func isNumeric(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}
