package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	day := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantName string
	}{
		{"nil", nil, http.StatusOK, ""},
		{"validation", Invalid("start_date", "must not be after end_date"), http.StatusBadRequest, "validation_error"},
		{"not found", &NotFoundError{Resource: "city", Name: "Atlantis"}, http.StatusNotFound, "not_found"},
		{"no data", &NoDataError{City: "Madrid", Start: day, End: day}, http.StatusNotFound, "no_data"},
		{"conflict", &ConflictError{City: "Madrid", Start: day, End: day}, http.StatusConflict, "conflict"},
		{"provider invalid", &ProviderError{Kind: ProviderInvalidRequest, Provider: "openmeteo", Status: 400}, http.StatusBadGateway, "provider_invalid_request"},
		{"provider unavailable", &ProviderError{Kind: ProviderUnavailable, Provider: "openmeteo"}, http.StatusServiceUnavailable, "provider_unavailable"},
		{"store", Store("upsert", errors.New("disk full")), http.StatusInternalServerError, "store_error"},
		{"wrapped conflict", fmt.Errorf("run: %w", &ConflictError{City: "Madrid"}), http.StatusConflict, "conflict"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, HTTPStatus(tt.err))
			assert.Equal(t, tt.wantName, Code(tt.err))
		})
	}
}

func TestStoreDoesNotDoubleWrap(t *testing.T) {
	inner := Store("read", errors.New("closed"))
	outer := Store("stats", inner)
	assert.Same(t, inner, outer)
	assert.Nil(t, Store("noop", nil))
}

func TestProviderErrorRetryable(t *testing.T) {
	assert.False(t, (&ProviderError{Kind: ProviderInvalidRequest}).Retryable())
	assert.True(t, (&ProviderError{Kind: ProviderTransient}).Retryable())

	root := errors.New("timeout")
	pe := &ProviderError{Kind: ProviderTransient, Provider: "openmeteo", Err: root}
	assert.ErrorIs(t, pe, root)
	assert.Contains(t, pe.Error(), "transient")
}
