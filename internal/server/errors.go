// Package server provides the HTTP API: key management, inline assist,
// project generation, and generation progress streams.
package server

import (
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/jonathan/lumnicode/internal/keys"
	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/pipeline"
	"github.com/jonathan/lumnicode/internal/progress"
)

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}

// validationError converts validator output into an *ErrValidation for the first failing field.
func validationError(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) && len(validationErrors) > 0 {
		ve := validationErrors[0]
		return &ErrValidation{Field: ve.Field(), Message: ve.Tag()}
	}
	return &ErrValidation{Field: "body", Message: "invalid request"}
}

// HTTPStatus returns the appropriate HTTP status code for an error.
// Resources owned by someone else are reported as not found.
func HTTPStatus(err error) int {
	var ve *ErrValidation
	switch {
	case errors.As(err, &ve),
		errors.Is(err, llm.ErrUnsupportedProvider),
		errors.Is(err, pipeline.ErrEmptyPrompt):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrProjectNotFound),
		errors.Is(err, pipeline.ErrSessionNotFound),
		errors.Is(err, progress.ErrSessionNotFound),
		errors.Is(err, keys.ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, progress.ErrInvalidTransition),
		errors.Is(err, progress.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, pipeline.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
