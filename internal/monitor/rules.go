package monitor

import (
	"fmt"

	"footprint-core/internal/events"
)

// Rule inspects a finished job and decides whether to alert.
type Rule interface {
	Check(r events.JobReport) (bool, string)
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(r events.JobReport) (bool, string)

func (f RuleFunc) Check(r events.JobReport) (bool, string) { return f(r) }

// JobFailedRule fires for every failed job.
var JobFailedRule = RuleFunc(func(r events.JobReport) (bool, string) {
	if r.Status == events.JobStatusFailed {
		return true, "job failed: " + r.Error
	}
	return false, ""
})

// ParseErrorRatioRule fires when more than limit of the lines of a job could not be parsed.
func ParseErrorRatioRule(limit float64) Rule {
	return RuleFunc(func(r events.JobReport) (bool, string) {
		if r.LinesProcessed == 0 {
			return false, ""
		}
		ratio := float64(r.ParseErrors) / float64(r.LinesProcessed)
		if ratio > limit {
			return true, fmt.Sprintf("parse error ratio %.2f%% over %d lines", ratio*100, r.LinesProcessed)
		}
		return false, ""
	})
}

// DefaultRules is the rule set used by the service.
func DefaultRules() []Rule {
	return []Rule{JobFailedRule, ParseErrorRatioRule(0.05)}
}
