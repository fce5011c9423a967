// Package align merges the weather and marine daily series into per-date records.
package align

import "github.com/kjstillabower/activity-ranking-service/internal/models"

// MaxDays caps the number of records produced for one ranking.
const MaxDays = 7

// Days returns one record per weather date, in weather order, capped at MaxDays.
// Weather is the authoritative date axis. Wave height is matched by exact date string;
// a nil marine series, a missing date or a nil reading leave it absent. A weather field
// shorter than Dates is absent for the trailing days. Repeated weather dates keep their
// first occurrence.
func Days(weather models.WeatherSeries, marine *models.MarineSeries) []models.DayRecord {
	waves := waveIndex(marine)

	out := make([]models.DayRecord, 0, min(len(weather.Dates), MaxDays))
	seen := make(map[string]struct{}, len(weather.Dates))
	for i, date := range weather.Dates {
		if len(out) == MaxDays {
			break
		}
		if _, dup := seen[date]; dup {
			continue
		}
		seen[date] = struct{}{}

		out = append(out, models.DayRecord{
			Date:              date,
			TMax:              at(weather.TMax, i),
			TMin:              at(weather.TMin, i),
			PrecipProbability: at(weather.PrecipProbability, i),
			WindMax:           at(weather.WindMax, i),
			Snowfall:          at(weather.Snowfall, i),
			WaveHeight:        waves[date],
		})
	}
	return out
}

// UnmatchedDates counts records for which a marine series was present but had no entry
// for the record's date.
func UnmatchedDates(days []models.DayRecord, marine *models.MarineSeries) int {
	if marine == nil {
		return 0
	}
	dates := make(map[string]struct{}, len(marine.Dates))
	for _, d := range marine.Dates {
		dates[d] = struct{}{}
	}
	n := 0
	for _, day := range days {
		if _, ok := dates[day.Date]; !ok {
			n++
		}
	}
	return n
}

func waveIndex(marine *models.MarineSeries) map[string]*float64 {
	if marine == nil {
		return nil
	}
	idx := make(map[string]*float64, len(marine.Dates))
	for i, d := range marine.Dates {
		if _, ok := idx[d]; ok {
			continue
		}
		idx[d] = at(marine.WaveHeight, i)
	}
	return idx
}

func at(values []*float64, i int) *float64 {
	if i >= len(values) || values[i] == nil {
		return nil
	}
	v := *values[i]
	return &v
}
