package render

import (
	"time"
)

const (
	// firstAttemptShare of a section's time budget goes to the first
	// attempt; the remainder is held back for one retry
	firstAttemptShare = 0.70
	// minRetryBudget below which the retry is skipped and the section
	// falls back directly
	minRetryBudget = 6 * time.Second
)

// splitSectionBudget divides the remaining job deadline evenly across the
// remaining sections and splits one section's slice between the first
// attempt and a retry. A retry of zero means no retry is affordable.
func splitSectionBudget(remaining time.Duration, remainingSections int) (first, retry time.Duration) {
	if remainingSections < 1 {
		remainingSections = 1
	}
	if remaining <= 0 {
		return 0, 0
	}

	perSection := remaining / time.Duration(remainingSections)
	first = time.Duration(float64(perSection) * firstAttemptShare)
	retry = perSection - first
	if retry < minRetryBudget {
		retry = 0
	}
	return first, retry
}

// clampBudget caps a computed budget at a configured ceiling when one is set
func clampBudget(budget, ceiling time.Duration) time.Duration {
	if ceiling > 0 && budget > ceiling {
		return ceiling
	}
	return budget
}
