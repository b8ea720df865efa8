package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/malbeclabs/incentives/engine/pkg/incentive"
)

// errBadRequest marks malformed request bodies and parameters.
var errBadRequest = errors.New("bad request")

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Category  string `json:"category"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps an engine error category to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errNotFound):
		return http.StatusNotFound
	}
	switch incentive.Classify(err) {
	case incentive.CategoryValidation:
		return http.StatusBadRequest
	case incentive.CategoryNotFound:
		return http.StatusNotFound
	case incentive.CategoryStateConflict:
		return http.StatusConflict
	case incentive.CategoryTimingGate:
		return http.StatusTooEarly
	case incentive.CategoryResource:
		return http.StatusPaymentRequired
	case incentive.CategoryAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("server: failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{
		Error:     err.Error(),
		Code:      incentive.Code(err),
		Category:  string(incentive.Classify(err)),
		Retryable: incentive.Retryable(err),
	}
	switch {
	case errors.Is(err, errBadRequest):
		resp.Code = "bad_request"
		resp.Category = string(incentive.CategoryValidation)
	case errors.Is(err, errNotFound):
		resp.Code = "not_found"
		resp.Category = string(incentive.CategoryNotFound)
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		s.capture(r, err)
		resp.Error = "internal error"
	}
	s.writeJSON(w, status, resp)
}

// capture reports err to Sentry when a client is configured.
func (s *Server) capture(r *http.Request, err error) {
	hub := sentry.CurrentHub().Clone()
	if hub.Client() == nil {
		return
	}
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetRequest(r)
		scope.SetTag("request_id", middleware.GetReqID(r.Context()))
		if caller := incentive.CallerFromContext(r.Context()); caller != "" {
			scope.SetUser(sentry.User{ID: caller})
		}
	})
	hub.CaptureException(err)
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.log.Error("server: panic", "panic", rec, "stack", string(debug.Stack()))
			s.writeError(w, r, fmt.Errorf("panic: %v", rec))
		}()
		next.ServeHTTP(w, r)
	})
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}
