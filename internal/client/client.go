package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/kjstillabower/activity-ranking-service/internal/circuitbreaker"
	"github.com/kjstillabower/activity-ranking-service/internal/models"
	"github.com/kjstillabower/activity-ranking-service/internal/observability"
)

// UpstreamClient resolves cities and fetches the daily series the ranking is built from.
// A nil result with a nil error means the provider answered but had no data.
type UpstreamClient interface {
	ResolveCity(ctx context.Context, name string) (*models.GeoLocation, error)
	FetchWeather(ctx context.Context, lat, lon float64) (*models.WeatherSeries, error)
	FetchMarine(ctx context.Context, lat, lon float64) (*models.MarineSeries, error)
}

// Upstream names, used as metric labels and circuit breaker components.
const (
	UpstreamGeocoding = "geocoding"
	UpstreamForecast  = "forecast"
	UpstreamMarine    = "marine"
)

// ForecastDays is the fixed forecast window requested from both series providers.
const ForecastDays = 7

var (
	ErrUpstreamFailure = errors.New("upstream failure")
	ErrRateLimited     = errors.New("rate limited")
	ErrBadRequest      = errors.New("upstream rejected request")
	ErrTransport       = errors.New("transport failure")
	ErrCircuitOpen     = circuitbreaker.ErrOpen
)

const (
	defaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1/search"
	defaultForecastURL  = "https://api.open-meteo.com/v1/forecast"
	defaultMarineURL    = "https://marine-api.open-meteo.com/v1/marine"
)

var weatherVariables = strings.Join([]string{
	"temperature_2m_max",
	"temperature_2m_min",
	"precipitation_probability_max",
	"wind_speed_10m_max",
	"snowfall_sum",
}, ",")

// Options configures an OpenMeteoClient. Zero values fall back to defaults.
type Options struct {
	GeocodingURL   string
	ForecastURL    string
	MarineURL      string
	Timeout        time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	HTTPClient     *http.Client
}

// OpenMeteoClient talks to the Open-Meteo geocoding, forecast and marine APIs.
type OpenMeteoClient struct {
	endpoints      map[string]string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	breakers       map[string]*circuitbreaker.CircuitBreaker
}

func NewOpenMeteoClient(opts Options) (*OpenMeteoClient, error) {
	endpoints := map[string]string{
		UpstreamGeocoding: firstNonEmpty(opts.GeocodingURL, defaultGeocodingURL),
		UpstreamForecast:  firstNonEmpty(opts.ForecastURL, defaultForecastURL),
		UpstreamMarine:    firstNonEmpty(opts.MarineURL, defaultMarineURL),
	}
	for name, raw := range endpoints {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid %s URL %q", name, raw)
		}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = 1
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 100 * time.Millisecond
	}
	if opts.RetryMaxDelay < opts.RetryBaseDelay {
		opts.RetryMaxDelay = opts.RetryBaseDelay
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &OpenMeteoClient{
		endpoints:      endpoints,
		timeout:        opts.Timeout,
		client:         httpClient,
		retryAttempts:  opts.RetryAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		retryMaxDelay:  opts.RetryMaxDelay,
		breakers:       make(map[string]*circuitbreaker.CircuitBreaker),
	}, nil
}

// SetCircuitBreaker guards calls to the named upstream. Call before serving traffic.
func (c *OpenMeteoClient) SetCircuitBreaker(upstream string, cb *circuitbreaker.CircuitBreaker) {
	c.breakers[upstream] = cb
}

// BreakerStates returns the current state of each configured circuit breaker.
func (c *OpenMeteoClient) BreakerStates() map[string]circuitbreaker.State {
	out := make(map[string]circuitbreaker.State, len(c.breakers))
	for name, cb := range c.breakers {
		out[name] = cb.State()
	}
	return out
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastResponse struct {
	Daily *struct {
		Time              []string   `json:"time"`
		TemperatureMax    []*float64 `json:"temperature_2m_max"`
		TemperatureMin    []*float64 `json:"temperature_2m_min"`
		PrecipitationProb []*float64 `json:"precipitation_probability_max"`
		WindSpeedMax      []*float64 `json:"wind_speed_10m_max"`
		SnowfallSum       []*float64 `json:"snowfall_sum"`
	} `json:"daily"`
}

type marineResponse struct {
	Daily *struct {
		Time          []string   `json:"time"`
		WaveHeightMax []*float64 `json:"wave_height_max"`
	} `json:"daily"`
}

// ResolveCity returns the best geocoding match for name, or nil when there is none.
func (c *OpenMeteoClient) ResolveCity(ctx context.Context, name string) (*models.GeoLocation, error) {
	params := url.Values{}
	params.Set("name", name)
	params.Set("count", "1")
	params.Set("language", "en")
	params.Set("format", "json")

	var resp geocodingResponse
	if err := c.get(ctx, UpstreamGeocoding, params, &resp); err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	r := resp.Results[0]
	return &models.GeoLocation{
		Name:      r.Name,
		Country:   r.Country,
		Latitude:  r.Latitude,
		Longitude: r.Longitude,
	}, nil
}

// FetchWeather returns the 7-day daily forecast, or nil when the response has no daily block.
// Precipitation probability is rescaled from percent to a 0-1 fraction.
func (c *OpenMeteoClient) FetchWeather(ctx context.Context, lat, lon float64) (*models.WeatherSeries, error) {
	params := coordinateParams(lat, lon)
	params.Set("daily", weatherVariables)

	var resp forecastResponse
	if err := c.get(ctx, UpstreamForecast, params, &resp); err != nil {
		return nil, err
	}
	d := resp.Daily
	if d == nil || len(d.Time) == 0 {
		return nil, nil
	}
	return &models.WeatherSeries{
		Dates:             d.Time,
		TMax:              d.TemperatureMax,
		TMin:              d.TemperatureMin,
		PrecipProbability: percentToFraction(d.PrecipitationProb),
		WindMax:           d.WindSpeedMax,
		Snowfall:          d.SnowfallSum,
	}, nil
}

// FetchMarine returns the 7-day daily wave height, or nil when the response has no daily block.
func (c *OpenMeteoClient) FetchMarine(ctx context.Context, lat, lon float64) (*models.MarineSeries, error) {
	params := coordinateParams(lat, lon)
	params.Set("daily", "wave_height_max")

	var resp marineResponse
	if err := c.get(ctx, UpstreamMarine, params, &resp); err != nil {
		return nil, err
	}
	d := resp.Daily
	if d == nil || len(d.Time) == 0 {
		return nil, nil
	}
	return &models.MarineSeries{
		Dates:      d.Time,
		WaveHeight: d.WaveHeightMax,
	}, nil
}

// get calls the upstream with retries and decodes the JSON body into out.
func (c *OpenMeteoClient) get(ctx context.Context, upstream string, params url.Values, out any) error {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.UpstreamRetriesTotal.WithLabelValues(upstream).Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		var err error
		if cb := c.breakers[upstream]; cb != nil {
			err = cb.Call(ctx, func() error { return c.callAPI(ctx, upstream, params, out) })
		} else {
			err = c.callAPI(ctx, upstream, params, out)
		}
		if err == nil {
			return nil
		}

		lastErr = err
		if !c.isRetryable(ctx, err) {
			return err
		}
	}

	return fmt.Errorf("exhausted retries: %w", lastErr)
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, upstream string, params url.Values, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, upstream, params)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(upstream, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	if corrID := observability.CorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.UpstreamCallsTotal.WithLabelValues(upstream, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(upstream, "error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%s request timeout: %w", upstream, err)
		}
		return fmt.Errorf("%w: %s: %w", ErrTransport, upstream, err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(upstream, status).Inc()
	observability.UpstreamDuration.WithLabelValues(upstream, status).Observe(duration)

	if err := handleErrorResponse(upstream, resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: read response body: %w", ErrTransport, upstream, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: parse response: %w", upstream, err)
	}
	return nil
}

// isRetryable reports whether a failed attempt may be repeated. Rate limits, 5xx,
// transport failures and per-attempt timeouts are retried; an expired caller context,
// an open circuit, bad requests and parse errors are not.
func (c *OpenMeteoClient) isRetryable(ctx context.Context, err error) bool {
	if err == nil || ctx.Err() != nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrBadRequest) {
		return false
	}
	if errors.Is(err, ErrRateLimited) || errors.Is(err, ErrUpstreamFailure) || errors.Is(err, ErrTransport) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, upstream string, params url.Values) (*http.Request, error) {
	baseURL, err := url.Parse(c.endpoints[upstream])
	if err != nil {
		return nil, fmt.Errorf("invalid %s URL: %w", upstream, err)
	}
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

// openMeteoError is the body Open-Meteo returns with 4xx responses.
type openMeteoError struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

func handleErrorResponse(upstream string, resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", ErrRateLimited, upstream)
	case code >= 500:
		return fmt.Errorf("%w: %s: HTTP %d", ErrUpstreamFailure, upstream, code)
	case code >= 400:
		var body openMeteoError
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &body) == nil && body.Reason != "" {
			return fmt.Errorf("%w: %s: HTTP %d: %s", ErrBadRequest, upstream, code, body.Reason)
		}
		return fmt.Errorf("%w: %s: HTTP %d", ErrBadRequest, upstream, code)
	}
	return fmt.Errorf("%w: %s: HTTP %d", ErrUpstreamFailure, upstream, code)
}

func coordinateParams(lat, lon float64) url.Values {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("forecast_days", strconv.Itoa(ForecastDays))
	params.Set("timezone", "auto")
	return params
}

func percentToFraction(values []*float64) []*float64 {
	if values == nil {
		return nil
	}
	out := make([]*float64, len(values))
	for i, v := range values {
		if v != nil {
			f := *v / 100
			out[i] = &f
		}
	}
	return out
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
