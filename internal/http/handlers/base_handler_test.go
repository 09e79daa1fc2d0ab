package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"rideflow/internal/apperr"
	"rideflow/internal/modules/ride"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"validation", ride.ErrInvalidPaymentMode, http.StatusBadRequest},
		{"not found", ride.ErrRideNotFound, http.StatusNotFound},
		{"authorization", ride.ErrNotRideDriver, http.StatusForbidden},
		{"state conflict", ride.ErrAlreadyAssigned, http.StatusConflict},
		{"concurrent update", ride.ErrConcurrentUpdate, http.StatusConflict},
		{"upstream", apperr.Wrap(apperr.ErrUpstream, "routing_failed", errors.New("timeout")), http.StatusBadGateway},
		{"wrapped", fmt.Errorf("start: %w", ride.ErrOTPMismatch), http.StatusConflict},
		{"plain", errors.New("connection reset"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := statusFor(tt.err); got != tt.want {
				t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func writeErrorBody(t *testing.T, debug bool, err error) (int, errorResponse) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	newBase(Options{Debug: debug}).writeError(c, err)

	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return w.Code, body
}

func TestWriteError_InternalIsGeneric(t *testing.T) {
	code, body := writeErrorBody(t, false, errors.New("pq: password authentication failed"))
	if code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	if body.Code != "internal" || body.Error != "internal error" || body.Details != "" {
		t.Fatalf("internal detail leaked: %+v", body)
	}
}

func TestWriteError_UpstreamHidesCause(t *testing.T) {
	err := apperr.Wrap(apperr.ErrUpstream, "routing_failed", errors.New("REQUEST_DENIED: key revoked"))

	code, body := writeErrorBody(t, false, err)
	if code != http.StatusBadGateway || body.Error != "routing_failed" || body.Details != "" {
		t.Fatalf("unexpected body: %d %+v", code, body)
	}

	_, body = writeErrorBody(t, true, err)
	if body.Details != err.Error() {
		t.Fatalf("debug mode should include details, got %+v", body)
	}
}

func TestIsValidID(t *testing.T) {
	for _, id := range []string{"abc123abc123abc123abc123abc12301", "drv1", "Xy9"} {
		if !isValidID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range []string{"", "has-dash", "abc123abc123abc123abc123abc123010", "../etc"} {
		if isValidID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}
