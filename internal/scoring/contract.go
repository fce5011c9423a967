package scoring

import (
	"errors"
	"fmt"

	"github.com/kjstillabower/activity-ranking-service/internal/models"
)

// ErrContractViolation is wrapped by every error CheckContract returns.
var ErrContractViolation = errors.New("scorer contract violation")

const (
	minScore = 0
	maxScore = 100
)

// CheckContract verifies that scores covers every known activity exactly once, that each
// activity's Days mirror the input dates in order, and that all scores are within 0-100.
func CheckContract(days []models.DayRecord, scores []models.ActivityScore) error {
	known := make(map[models.Activity]bool)
	for _, a := range models.AllActivities() {
		known[a] = false
	}

	for _, s := range scores {
		seen, ok := known[s.Activity]
		if !ok {
			return fmt.Errorf("%w: unknown activity %q", ErrContractViolation, s.Activity)
		}
		if seen {
			return fmt.Errorf("%w: activity %s scored more than once", ErrContractViolation, s.Activity)
		}
		known[s.Activity] = true

		if !inRange(s.Score) {
			return fmt.Errorf("%w: %s score %d out of range", ErrContractViolation, s.Activity, s.Score)
		}
		if len(s.Days) != len(days) {
			return fmt.Errorf("%w: %s has %d days, want %d", ErrContractViolation, s.Activity, len(s.Days), len(days))
		}
		for i, d := range s.Days {
			if d.Date != days[i].Date {
				return fmt.Errorf("%w: %s day %d is %q, want %q", ErrContractViolation, s.Activity, i, d.Date, days[i].Date)
			}
			if !inRange(d.Score) {
				return fmt.Errorf("%w: %s score %d on %s out of range", ErrContractViolation, s.Activity, d.Score, d.Date)
			}
		}
	}

	for _, a := range models.AllActivities() {
		if !known[a] {
			return fmt.Errorf("%w: activity %s missing", ErrContractViolation, a)
		}
	}
	return nil
}

func inRange(score int) bool {
	return score >= minScore && score <= maxScore
}
