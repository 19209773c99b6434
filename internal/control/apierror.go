package control

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meridian-obs/meridian/internal/errors"
)

// APIError is the wire form of a request failure. Handlers can return one
// directly for request-shaped problems; everything else is mapped from the
// internal error taxonomy by toAPIError.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e APIError) Error() string { return e.Message }

type errorBody struct {
	Error APIError `json:"error"`
}

// abortWithError ends the request with the mapped status and error envelope.
func abortWithError(c *gin.Context, err error) {
	ae := toAPIError(err)
	c.AbortWithStatusJSON(ae.Status, errorBody{Error: ae})
}

func toAPIError(err error) APIError {
	var ae APIError
	if errors.As(err, &ae) {
		return ae
	}

	switch {
	case errors.IsNotFound(err):
		return APIError{Status: http.StatusNotFound, Code: "not_found", Message: err.Error()}
	case errors.Is(err, errors.ErrAlreadyInState):
		return APIError{Status: http.StatusConflict, Code: "already_in_state", Message: err.Error()}
	case errors.Is(err, errors.ErrInvalidTransition):
		return APIError{Status: http.StatusConflict, Code: "invalid_transition", Message: err.Error()}
	case errors.Is(err, errors.ErrPublishExhausted):
		return APIError{Status: http.StatusConflict, Code: "max_attempts_exceeded", Message: err.Error()}
	case errors.Is(err, errors.ErrNotFinalized):
		return APIError{Status: http.StatusConflict, Code: "not_finalized", Message: err.Error()}
	case errors.Is(err, errors.ErrSourceMissing):
		return APIError{Status: http.StatusConflict, Code: "source_missing", Message: err.Error()}
	case errors.IsConflict(err):
		return APIError{Status: http.StatusConflict, Code: "conflict", Message: err.Error()}
	case errors.IsValidation(err):
		return APIError{Status: http.StatusBadRequest, Code: "validation", Message: err.Error()}
	}
	return APIError{Status: http.StatusInternalServerError, Code: "internal", Message: err.Error()}
}
