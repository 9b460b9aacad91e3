package stats

import "math"

// TemperatureReport is the JSON shape of /temperature/stats. Average, Max
// and Min are null when every reading in range has a null temperature.
type TemperatureReport struct {
	Average             *float64            `json:"average"`
	AverageByDay        map[string]*float64 `json:"average_by_day"`
	Max                 *Extreme            `json:"max"`
	Min                 *Extreme            `json:"min"`
	HoursAboveThreshold int                 `json:"hours_above_threshold"`
	HoursBelowThreshold int                 `json:"hours_below_threshold"`
}

// Extreme is a temperature extremum at local time "YYYY-MM-DDTHH:MM".
type Extreme struct {
	Value    float64 `json:"value"`
	DateTime string  `json:"date_time"`
}

type PrecipitationReport struct {
	Total                 float64            `json:"total"`
	TotalByDay            map[string]float64 `json:"total_by_day"`
	DaysWithPrecipitation int                `json:"days_with_precipitation"`
	Max                   DailyValue         `json:"max"`
	Average               float64            `json:"average"`
}

type DailyValue struct {
	Value float64 `json:"value"`
	Date  string  `json:"date"`
}

// DatedValue is the {date, value} pair used by the all-cities summary.
type DatedValue struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// CitySummary is one entry of /statistics/all.
type CitySummary struct {
	StartDate             string      `json:"start_date"`
	EndDate               string      `json:"end_date"`
	TemperatureAverage    *float64    `json:"temperature_average"`
	PrecipitationTotal    float64     `json:"precipitation_total"`
	DaysWithPrecipitation int         `json:"days_with_precipitation"`
	PrecipitationMax      DatedValue  `json:"precipitation_max"`
	TemperatureMax        *DatedValue `json:"temperature_max"`
	TemperatureMin        *DatedValue `json:"temperature_min"`
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

func roundPtr(v *float64, places int) *float64 {
	if v == nil {
		return nil
	}
	r := round(*v, places)
	return &r
}
