package apperrors

import (
	"errors"
	"net/http"
)

// HTTPStatus maps an error to the appropriate HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrCyclicDependency),
		errors.Is(err, ErrTriggerFilter):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrArtifactNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrCancelled):
		return http.StatusConflict
	case errors.Is(err, ErrDependencyUnsatisfied):
		return http.StatusFailedDependency
	case errors.Is(err, ErrLockTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
