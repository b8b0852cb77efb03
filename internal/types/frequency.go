package types

import (
	"fmt"
	"strings"
)

// Frequency is how often a project's data is refreshed.
type Frequency string

const (
	FrequencyDaily    Frequency = "DAILY"
	FrequencyWeekly   Frequency = "WEEKLY"
	FrequencyBiweekly Frequency = "BIWEEKLY"
	FrequencyMonthly  Frequency = "MONTHLY"
	FrequencyCustom   Frequency = "CUSTOM"
)

// frequencyCrons maps the fixed frequencies to their cron expressions.
// All fixed schedules fire at 09:00.
var frequencyCrons = map[Frequency]string{
	FrequencyDaily:    "0 9 * * *",
	FrequencyWeekly:   "0 9 * * 1",
	FrequencyBiweekly: "0 9 * * 1/2",
	FrequencyMonthly:  "0 9 1 * *",
}

// ParseFrequency parses a frequency string case-insensitively.
func ParseFrequency(s string) (Frequency, error) {
	switch Frequency(strings.ToUpper(strings.TrimSpace(s))) {
	case FrequencyDaily:
		return FrequencyDaily, nil
	case FrequencyWeekly:
		return FrequencyWeekly, nil
	case FrequencyBiweekly:
		return FrequencyBiweekly, nil
	case FrequencyMonthly:
		return FrequencyMonthly, nil
	case FrequencyCustom:
		return FrequencyCustom, nil
	default:
		return "", fmt.Errorf("unknown frequency %q", s)
	}
}

func (f Frequency) String() string { return string(f) }

// CronSpec returns the cron expression for the frequency. For CUSTOM the
// caller-provided expression is passed through.
func (f Frequency) CronSpec(custom string) (string, error) {
	if f == FrequencyCustom {
		if strings.TrimSpace(custom) == "" {
			return "", fmt.Errorf("custom frequency requires a cron expression")
		}
		return custom, nil
	}
	spec, ok := frequencyCrons[f]
	if !ok {
		return "", fmt.Errorf("unknown frequency %q", f)
	}
	return spec, nil
}
