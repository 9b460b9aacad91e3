package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/httputil"
	"github.com/lox/weatherstats/internal/metrics"
	"github.com/lox/weatherstats/internal/models"
)

const (
	OpenMeteoName         = "openmeteo"
	DefaultArchiveURL     = "https://archive-api.open-meteo.com/v1"
	DefaultOpenMeteoRange = 92
)

type OpenMeteoOptions struct {
	BaseURL      string
	MaxRangeDays int
	Timeout      time.Duration
	// MaxAttempts includes the first request.
	MaxAttempts     int
	InitialInterval time.Duration
	// BreakerThreshold is the number of consecutive failures that opens the breaker.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration
}

// OpenMeteo reads hourly history from the open-meteo archive API.
type OpenMeteo struct {
	opts    OpenMeteoOptions
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *zap.Logger
}

func NewOpenMeteo(opts OpenMeteoOptions, logger *zap.Logger) *OpenMeteo {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultArchiveURL
	}
	if opts.MaxRangeDays <= 0 {
		opts.MaxRangeDays = DefaultOpenMeteoRange
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	threshold := opts.BreakerThreshold
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:    OpenMeteoName,
		Timeout: opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// A rejected request says nothing about the provider's health.
		IsSuccessful: func(err error) bool {
			var pe *apperr.ProviderError
			return err == nil || (errors.As(err, &pe) && pe.Kind == apperr.ProviderInvalidRequest)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit breaker state change",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &OpenMeteo{
		opts:    opts,
		client:  httputil.NewClient(opts.Timeout),
		breaker: breaker,
		logger:  logger,
	}
}

func (o *OpenMeteo) Name() string      { return OpenMeteoName }
func (o *OpenMeteo) MaxRangeDays() int { return o.opts.MaxRangeDays }

// nullableFloat accepts a number, null or an empty string.
type nullableFloat struct {
	v *float64
}

func (n *nullableFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) || bytes.Equal(b, []byte(`""`)) {
		n.v = nil
		return nil
	}
	if len(b) > 1 && b[0] == '"' {
		b = b[1 : len(b)-1]
	}
	f, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return fmt.Errorf("parse reading %s: %w", b, err)
	}
	n.v = &f
	return nil
}

type archiveResponse struct {
	Timezone    string `json:"timezone"`
	HourlyUnits struct {
		Temperature   string `json:"temperature_2m"`
		Precipitation string `json:"precipitation"`
	} `json:"hourly_units"`
	Hourly struct {
		Time          []int64         `json:"time"`
		Temperature   []nullableFloat `json:"temperature_2m"`
		Precipitation []nullableFloat `json:"precipitation"`
	} `json:"hourly"`
}

type errorResponse struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

func (o *OpenMeteo) requestURL(city models.City, start, end time.Time) string {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(city.Latitude, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(city.Longitude, 'f', 4, 64))
	q.Set("start_date", start.Format(time.DateOnly))
	q.Set("end_date", end.Format(time.DateOnly))
	q.Set("hourly", "temperature_2m,precipitation")
	tz := city.Timezone
	if tz == "" {
		tz = "UTC"
	}
	// The timezone aligns the requested days to local midnight; unixtime keeps
	// the repeated hour of a DST fall-back distinct.
	q.Set("timezone", tz)
	q.Set("timeformat", "unixtime")
	return o.opts.BaseURL + "/archive?" + q.Encode()
}

// Fetch requests one window. Transient failures are retried with exponential
// backoff; rejected requests fail immediately.
func (o *OpenMeteo) Fetch(ctx context.Context, city models.City, start, end time.Time) (Batch, error) {
	reqURL := o.requestURL(city, start, end)

	var body []byte
	operation := func() error {
		b, err := o.breaker.Execute(func() ([]byte, error) {
			return o.do(ctx, reqURL)
		})
		switch {
		case err == nil:
			body = b
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(&apperr.ProviderError{Kind: apperr.ProviderUnavailable, Provider: OpenMeteoName, Err: err})
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		}
		var pe *apperr.ProviderError
		if errors.As(err, &pe) && !pe.Retryable() {
			return backoff.Permanent(err)
		}
		o.logger.Debug("provider request failed, retrying",
			zap.String("city", city.Name),
			zap.String("start", start.Format(time.DateOnly)),
			zap.Error(err))
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.opts.InitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(o.opts.MaxAttempts-1)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		var pe *apperr.ProviderError
		switch {
		case errors.As(err, &pe):
			if pe.Kind == apperr.ProviderTransient {
				return Batch{}, &apperr.ProviderError{
					Kind: apperr.ProviderTransient, Provider: OpenMeteoName, Status: pe.Status,
					Err: fmt.Errorf("gave up after %d attempts: %w", o.opts.MaxAttempts, pe.Err),
				}
			}
			return Batch{}, err
		case ctx.Err() != nil:
			return Batch{}, ctx.Err()
		default:
			return Batch{}, &apperr.ProviderError{Kind: apperr.ProviderTransient, Provider: OpenMeteoName, Err: err}
		}
	}

	raws, err := parseArchive(body)
	if err != nil {
		return Batch{}, &apperr.ProviderError{Kind: apperr.ProviderInvalidRequest, Provider: OpenMeteoName, Err: err}
	}
	return Batch{Observations: raws, Payload: body}, nil
}

func (o *OpenMeteo) do(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, &apperr.ProviderError{Kind: apperr.ProviderInvalidRequest, Provider: OpenMeteoName, Err: err}
	}

	started := time.Now()
	resp, err := o.client.Do(req)
	metrics.ProviderLatency.WithLabelValues(OpenMeteoName).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.ProviderCallsTotal.WithLabelValues(OpenMeteoName, "error").Inc()
		return nil, &apperr.ProviderError{Kind: apperr.ProviderTransient, Provider: OpenMeteoName, Err: err}
	}
	defer resp.Body.Close()
	metrics.ProviderCallsTotal.WithLabelValues(OpenMeteoName, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.ProviderError{Kind: apperr.ProviderTransient, Provider: OpenMeteoName, Err: fmt.Errorf("read body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &apperr.ProviderError{Kind: apperr.ProviderTransient, Provider: OpenMeteoName, Status: resp.StatusCode}
	default:
		var er errorResponse
		reason := string(body)
		if json.Unmarshal(body, &er) == nil && er.Reason != "" {
			reason = er.Reason
		}
		return nil, &apperr.ProviderError{
			Kind: apperr.ProviderInvalidRequest, Provider: OpenMeteoName, Status: resp.StatusCode,
			Err: errors.New(reason),
		}
	}
}

func parseArchive(body []byte) ([]models.RawObservation, error) {
	var data archiveResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	h := data.Hourly
	if len(h.Temperature) != len(h.Time) || len(h.Precipitation) != len(h.Time) {
		return nil, fmt.Errorf("hourly arrays differ in length: time=%d temperature=%d precipitation=%d",
			len(h.Time), len(h.Temperature), len(h.Precipitation))
	}

	out := make([]models.RawObservation, len(h.Time))
	for i, ts := range h.Time {
		out[i] = models.RawObservation{
			ObservedAt:    time.Unix(ts, 0).UTC(),
			Temperature:   h.Temperature[i].v,
			Precipitation: h.Precipitation[i].v,
			TempUnit:      data.HourlyUnits.Temperature,
			PrecipUnit:    data.HourlyUnits.Precipitation,
		}
	}
	return out, nil
}
