package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lox/weatherstats/internal/apperr"
)

type rangeQuery struct {
	City      string `query:"city" validate:"required"`
	StartDate string `query:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `query:"end_date" validate:"required,datetime=2006-01-02"`

	start, end time.Time
}

func (s *Server) parseRange(r *http.Request) (rangeQuery, error) {
	q := r.URL.Query()
	rq := rangeQuery{City: q.Get("city"), StartDate: q.Get("start_date"), EndDate: q.Get("end_date")}
	if err := s.check(&rq); err != nil {
		return rq, err
	}
	rq.start, _ = time.Parse(time.DateOnly, rq.StartDate)
	rq.end, _ = time.Parse(time.DateOnly, rq.EndDate)
	return rq, nil
}

func optionalFloat(r *http.Request, name string) (*float64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, apperr.Invalid(name, "must be a number")
	}
	return &v, nil
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	rq, err := s.parseRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	high, err := optionalFloat(r, "threshold_high")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	low, err := optionalFloat(r, "threshold_low")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	report, err := s.stats.Temperature(r.Context(), rq.City, rq.start, rq.end, high, low)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"temperature": report})
}

func (s *Server) handlePrecipitation(w http.ResponseWriter, r *http.Request) {
	rq, err := s.parseRange(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.stats.Precipitation(r.Context(), rq.City, rq.start, rq.end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"precipitation": report})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.stats.Summary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type cityResponse struct {
	Name             string     `json:"name"`
	Country          string     `json:"country"`
	Latitude         float64    `json:"latitude"`
	Longitude        float64    `json:"longitude"`
	Timezone         string     `json:"timezone"`
	Observations     int64      `json:"observations"`
	FirstObservation *time.Time `json:"first_observation"`
	LastObservation  *time.Time `json:"last_observation"`
}

func (s *Server) handleListCities(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.catalog.ListCities(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]cityResponse, 0, len(summaries))
	for _, c := range summaries {
		cr := cityResponse{
			Name:         c.Name,
			Country:      c.Country,
			Latitude:     c.Latitude,
			Longitude:    c.Longitude,
			Timezone:     c.Timezone,
			Observations: c.Observations,
		}
		if c.FirstAt.Valid {
			cr.FirstObservation = &c.FirstAt.Time
		}
		if c.LastAt.Valid {
			cr.LastObservation = &c.LastAt.Time
		}
		out = append(out, cr)
	}
	writeJSON(w, http.StatusOK, map[string]any{"cities": out})
}

type runResponse struct {
	ID           string  `json:"id"`
	City         string  `json:"city"`
	Provider     string  `json:"provider"`
	StartDate    string  `json:"start_date"`
	EndDate      string  `json:"end_date"`
	Status       string  `json:"status"`
	Fetched      int     `json:"fetched"`
	Inserted     int     `json:"inserted"`
	Updated      int     `json:"updated"`
	Unchanged    int     `json:"unchanged"`
	Chunks       int     `json:"chunks"`
	ChunksDone   int     `json:"chunks_done"`
	FailedChunks int     `json:"failed_chunks"`
	Error        string  `json:"error,omitempty"`
	StartedAt    string  `json:"started_at"`
	FinishedAt   *string `json:"finished_at"`
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.catalog.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := runResponse{
		ID:           run.ID,
		City:         run.CityName,
		Provider:     run.Provider,
		StartDate:    run.StartDate.Format(time.DateOnly),
		EndDate:      run.EndDate.Format(time.DateOnly),
		Status:       string(run.Status),
		Fetched:      run.Fetched,
		Inserted:     run.Inserted,
		Updated:      run.Updated,
		Unchanged:    run.Unchanged,
		Chunks:       len(run.Chunks),
		FailedChunks: run.FailedChunks,
		Error:        run.Error,
		StartedAt:    run.StartedAt.UTC().Format(time.RFC3339),
	}
	for _, c := range run.Chunks {
		if c.Done {
			resp.ChunksDone++
		}
	}
	if run.FinishedAt.Valid {
		f := run.FinishedAt.Time.UTC().Format(time.RFC3339)
		resp.FinishedAt = &f
	}
	writeJSON(w, http.StatusOK, resp)
}

type importRequest struct {
	City      string `json:"city" validate:"required"`
	StartDate string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate   string `json:"end_date" validate:"required,datetime=2006-01-02"`
	Country   string `json:"country"`
	Provider  string `json:"provider"`
}

type addCityRequest struct {
	City    string `json:"city" validate:"required"`
	Country string `json:"country"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("body", "invalid JSON: %v", err)
	}
	return nil
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(&req); err != nil {
		s.writeError(w, r, err)
		return
	}
	start, _ := time.Parse(time.DateOnly, req.StartDate)
	end, _ := time.Parse(time.DateOnly, req.EndDate)
	if err := s.importer.Validate(start, end, req.Provider); err != nil {
		s.writeError(w, r, err)
		return
	}

	id, err := s.importer.EnqueueLoad(r.Context(), req.City, start, end, req.Country, req.Provider)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (s *Server) handleAddCity(w http.ResponseWriter, r *http.Request) {
	var req addCityRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.check(&req); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.importer.EnqueueAddCity(r.Context(), req.City, req.Country)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Checks: map[string]string{}}

	names := make([]string, 0, len(s.opts.Checks))
	for name := range s.opts.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.opts.Checks[name](ctx)
		cancel()
		if err != nil {
			resp.Status = "error"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
