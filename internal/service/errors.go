package service

import "errors"

// Errors returned by RankingService. Callers classify with errors.Is.
var (
	// ErrInvalidCity wraps the validation sentinel that rejected the input.
	ErrInvalidCity = errors.New("invalid city")
	// ErrCityNotFound means the geocoder had no match.
	ErrCityNotFound = errors.New("city not found")
	// ErrUpstreamUnavailable means geocoding or the forecast could not be fetched.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrScoringContract means the scorer returned malformed scores.
	ErrScoringContract = errors.New("scoring contract violated")
)
