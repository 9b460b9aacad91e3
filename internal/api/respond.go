package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/lox/weatherstats/internal/apperr"
)

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	var body errorBody
	body.Error.Code = apperr.Code(err)
	body.Error.Message = err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("code", body.Error.Code),
			zap.Error(err))
		if status == http.StatusInternalServerError {
			body.Error.Message = "internal error"
		}
	}
	writeJSON(w, status, body)
}

// newValidator reports fields by their query or json name.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		for _, tag := range []string{"query", "json"} {
			if name, _, _ := strings.Cut(f.Tag.Get(tag), ","); name != "" && name != "-" {
				return name
			}
		}
		return f.Name
	})
	return v
}

func (s *Server) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return apperr.Invalid("", "%v", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return apperr.Invalid(fe.Field(), "is required")
	case "datetime":
		return apperr.Invalid(fe.Field(), "must be a date in YYYY-MM-DD format")
	default:
		return apperr.Invalid(fe.Field(), "failed %s validation", fe.Tag())
	}
}
