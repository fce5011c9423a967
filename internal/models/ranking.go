package models

import "time"

// Activity is one entry of the closed set of activities the service ranks.
type Activity string

const (
	ActivitySkiing             Activity = "SKIING"
	ActivitySurfing            Activity = "SURFING"
	ActivityOutdoorSightseeing Activity = "OUTDOOR_SIGHTSEEING"
	ActivityIndoorSightseeing  Activity = "INDOOR_SIGHTSEEING"
)

// AllActivities returns every activity in display order.
func AllActivities() []Activity {
	return []Activity{
		ActivitySkiing,
		ActivitySurfing,
		ActivityOutdoorSightseeing,
		ActivityIndoorSightseeing,
	}
}

// GeoLocation is the best geocoding match for a free-text city name.
type GeoLocation struct {
	Name      string  `json:"name"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WeatherSeries is the daily forecast block. Slices are indexed by Dates; a nil element
// means the provider had no reading. PrecipProbability is a 0-1 fraction.
type WeatherSeries struct {
	Dates             []string
	TMax              []*float64
	TMin              []*float64
	PrecipProbability []*float64
	WindMax           []*float64
	Snowfall          []*float64
}

// MarineSeries is the daily marine block, indexed by Dates.
type MarineSeries struct {
	Dates      []string
	WaveHeight []*float64
}

// DayRecord is one date's merged weather and marine readings.
type DayRecord struct {
	Date              string   `json:"date"`
	TMax              *float64 `json:"tMax"`
	TMin              *float64 `json:"tMin"`
	PrecipProbability *float64 `json:"precipProbability"`
	WindMax           *float64 `json:"windMax"`
	Snowfall          *float64 `json:"snowfall"`
	WaveHeight        *float64 `json:"waveHeight"`
}

type DayScore struct {
	Date   string `json:"date"`
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

type ActivityScore struct {
	Activity Activity   `json:"activity"`
	Score    int        `json:"score"`
	Reason   string     `json:"reason"`
	Days     []DayScore `json:"days"`
}

// CacheMeta describes how a RankingResult was served. It is recomputed on every read.
type CacheMeta struct {
	Hit                 bool `json:"hit"`
	TTLRemainingSeconds int  `json:"ttlRemainingSeconds"`
}

// RankingResult is the response of a ranking query. Everything except Cache is fixed
// when the result is computed.
type RankingResult struct {
	City        string          `json:"city"`
	Country     string          `json:"country,omitempty"`
	Latitude    float64         `json:"latitude"`
	Longitude   float64         `json:"longitude"`
	Activities  []ActivityScore `json:"activities"`
	GeneratedAt time.Time       `json:"generatedAt"`
	Cache       CacheMeta       `json:"cache"`
}

// Clone returns a deep copy of r.
func (r RankingResult) Clone() RankingResult {
	out := r
	if r.Activities != nil {
		out.Activities = make([]ActivityScore, len(r.Activities))
		for i, a := range r.Activities {
			out.Activities[i] = a
			if a.Days != nil {
				out.Activities[i].Days = append([]DayScore(nil), a.Days...)
			}
		}
	}
	return out
}
