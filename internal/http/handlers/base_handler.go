// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"rideflow/internal/apperr"
	"rideflow/internal/http/middleware"
	"rideflow/internal/logging"
)

var (
	errInvalidJSON  = apperr.Validation("invalid_json", "request body is not valid JSON")
	errInvalidID    = apperr.Validation("invalid_id", "malformed id")
	errRoleRequired = apperr.New(apperr.ErrAuthorization, "forbidden", "caller role may not perform this operation")
)

type errorResponse struct {
	Code    string `json:"code"`
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// Options are shared by every handler.
type Options struct {
	// Debug adds the full error chain to error bodies.
	Debug bool
	Log   logrus.FieldLogger
}

type base struct {
	debug bool
	log   logrus.FieldLogger
}

func newBase(o Options) base {
	return base{debug: o.Debug, log: logging.OrDiscard(o.Log)}
}

// isValidID ensures IDs are alphanumeric and at most 32 chars (matches the ID generator
// and Firebase UIDs).
func isValidID(v string) bool {
	if v == "" || len(v) > 32 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrStateConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (b base) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	resp := errorResponse{Code: apperr.Code(err), Error: apperr.Message(err)}
	if b.debug {
		resp.Details = err.Error()
	}
	entry := b.log.WithError(err).WithFields(logrus.Fields{
		"code":       resp.Code,
		"path":       c.FullPath(),
		"request_id": middleware.GetRequestID(c),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}
	writeJSON(c, status, resp)
}

// bind decodes the JSON body into v. An empty body is accepted when optional is set.
func (b base) bind(c *gin.Context, v any, optional bool) bool {
	err := c.ShouldBindJSON(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	b.writeError(c, errInvalidJSON)
	return false
}

// requireRole rejects the request unless the caller has one of roles.
func (b base) requireRole(c *gin.Context, roles ...string) bool {
	role := middleware.CallerRole(c)
	for _, r := range roles {
		if role == r {
			return true
		}
	}
	b.writeError(c, errRoleRequired)
	return false
}

func (b base) pathID(c *gin.Context, name string) (string, bool) {
	id := c.Param(name)
	if !isValidID(id) {
		b.writeError(c, errInvalidID)
		return "", false
	}
	return id, true
}
