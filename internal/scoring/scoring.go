// Package scoring turns aligned day records into per-activity suitability scores.
package scoring

import "github.com/kjstillabower/activity-ranking-service/internal/models"

// Scorer produces one ActivityScore per activity for the given days. Implementations
// must be deterministic and tolerate absent readings.
type Scorer interface {
	Score(days []models.DayRecord) []models.ActivityScore
}

// Func adapts a plain function to the Scorer interface.
type Func func(days []models.DayRecord) []models.ActivityScore

func (f Func) Score(days []models.DayRecord) []models.ActivityScore {
	return f(days)
}

const fixedReason = "hardcoded"

// fixedScore is the overall and per-day score the Fixed scorer assigns an activity.
type fixedScore struct {
	overall int
	day     int
}

var fixedScores = map[models.Activity]fixedScore{
	models.ActivitySkiing:             {overall: 30, day: 25},
	models.ActivitySurfing:            {overall: 55, day: 50},
	models.ActivityOutdoorSightseeing: {overall: 70, day: 70},
	models.ActivityIndoorSightseeing:  {overall: 60, day: 60},
}

// Fixed is the placeholder scorer: every activity gets a constant score regardless of
// the readings.
type Fixed struct{}

func (Fixed) Score(days []models.DayRecord) []models.ActivityScore {
	activities := models.AllActivities()
	out := make([]models.ActivityScore, 0, len(activities))
	for _, a := range activities {
		s := fixedScores[a]
		perDay := make([]models.DayScore, len(days))
		for i, d := range days {
			perDay[i] = models.DayScore{Date: d.Date, Score: s.day, Reason: fixedReason}
		}
		out = append(out, models.ActivityScore{
			Activity: a,
			Score:    s.overall,
			Reason:   fixedReason,
			Days:     perDay,
		})
	}
	return out
}
