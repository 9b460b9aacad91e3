package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
	"github.com/lox/weatherstats/internal/httputil"
	"github.com/lox/weatherstats/internal/models"
)

const DefaultGeocodingURL = "https://geocoding-api.open-meteo.com/v1"

// Geocoder resolves a city name to coordinates and a timezone.
type Geocoder interface {
	Geocode(ctx context.Context, name, country string) (models.City, error)
}

type OpenMeteoGeocoder struct {
	client *resty.Client
	logger *zap.Logger
}

func NewOpenMeteoGeocoder(baseURL string, timeout time.Duration, logger *zap.Logger) *OpenMeteoGeocoder {
	if baseURL == "" {
		baseURL = DefaultGeocodingURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.NewWithClient(httputil.NewClient(timeout)).
		SetBaseURL(baseURL).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	return &OpenMeteoGeocoder{client: client, logger: logger}
}

type geocodingResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
		Timezone  string  `json:"timezone"`
	} `json:"results"`
}

// Geocode picks the first result in the given country, or the first result
// overall when none matches.
func (g *OpenMeteoGeocoder) Geocode(ctx context.Context, name, country string) (models.City, error) {
	name = strings.TrimSpace(name)
	if len([]rune(name)) < 2 {
		return models.City{}, apperr.Invalid("city", "name must be at least 2 characters")
	}

	var body geocodingResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"name":     name,
			"count":    "10",
			"language": "en",
			"format":   "json",
		}).
		SetResult(&body).
		ForceContentType("application/json").
		Get("/search")
	if err != nil {
		return models.City{}, &apperr.ProviderError{Kind: apperr.ProviderTransient, Provider: "geocoding", Err: err}
	}
	if resp.IsError() {
		kind := apperr.ProviderInvalidRequest
		if resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests {
			kind = apperr.ProviderTransient
		}
		return models.City{}, &apperr.ProviderError{
			Kind: kind, Provider: "geocoding", Status: resp.StatusCode(),
			Err: fmt.Errorf("search %q: %s", name, strings.TrimSpace(resp.String())),
		}
	}
	if len(body.Results) == 0 {
		return models.City{}, &apperr.NotFoundError{Resource: "city", Name: name}
	}

	best := body.Results[0]
	for _, r := range body.Results {
		if country != "" && strings.EqualFold(r.Country, country) {
			best = r
			break
		}
	}
	if country != "" && !strings.EqualFold(best.Country, country) {
		g.logger.Info("no geocoding match in requested country, using first result",
			zap.String("city", name),
			zap.String("country", country),
			zap.String("resolved_country", best.Country))
	}

	resolvedCountry := best.Country
	if resolvedCountry == "" {
		resolvedCountry = country
	}
	return models.City{
		Name:      best.Name,
		Country:   resolvedCountry,
		Latitude:  best.Latitude,
		Longitude: best.Longitude,
		Timezone:  best.Timezone,
	}, nil
}
