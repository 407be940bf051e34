package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/PentesterFlow/OpenGateway/internal/errors"
	"github.com/PentesterFlow/OpenGateway/internal/logger"
	"github.com/PentesterFlow/OpenGateway/internal/metrics"
)

// RequestIDHeader carries the request ID in and out of the gateway.
const RequestIDHeader = "X-Request-ID"

// EnvironmentProduction hides error details from callers.
const EnvironmentProduction = "production"

// handlerFunc is a stage that reports failure by returning an error.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// ErrorResponse is the body of every error the gateway produces itself.
type ErrorResponse struct {
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"requestId"`
	Timestamp time.Time   `json:"timestamp"`
}

// ErrorDetail describes the failure.
type ErrorDetail struct {
	Code             string            `json:"code"`
	Message          string            `json:"message"`
	Details          string            `json:"details,omitempty"`
	ValidationErrors map[string]string `json:"validationErrors,omitempty"`
}

type ctxKey int

const stateKey ctxKey = iota

// requestState travels with the request through the stages.
type requestState struct {
	id       string
	outcome  string
	clientID string
}

func stateFrom(r *http.Request) *requestState {
	if s, ok := r.Context().Value(stateKey).(*requestState); ok {
		return s
	}
	return &requestState{}
}

// RequestID returns the ID assigned to r by the error boundary.
func RequestID(r *http.Request) string {
	return stateFrom(r).id
}

// statusWriter remembers the status written through it.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// boundary is the outermost stage. It assigns the request ID, recovers
// panics, turns errors into responses and records the request.
type boundary struct {
	environment string
	log         *logger.Logger
	metrics     *metrics.Collector
	// defaultOutcome labels requests no stage classified.
	defaultOutcome string
}

func (b *boundary) wrap(h handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
			r.Header.Set(RequestIDHeader, id)
		}
		state := &requestState{id: id, outcome: b.defaultOutcome}
		r = r.WithContext(context.WithValue(r.Context(), stateKey, state))

		sw := &statusWriter{ResponseWriter: w}
		sw.Header().Set(RequestIDHeader, id)

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				b.log.WithRequestID(id).Event(logger.ErrorLevel).
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				state.outcome = metrics.OutcomeError
				b.fail(sw, r, state, errors.NewInternalError("pipeline", fmt.Errorf("panic: %v", rec)))
			}
			b.finish(sw, r, state, start)
		}()

		if err := h(sw, r); err != nil {
			b.fail(sw, r, state, err)
		}
	})
}

func (b *boundary) fail(w *statusWriter, r *http.Request, state *requestState, err error) {
	if state.outcome == b.defaultOutcome || state.outcome == "" {
		state.outcome = metrics.OutcomeError
	}

	status := errors.GetStatusCode(err)
	log := b.log.WithRequestID(state.id)
	if status >= 500 {
		log.ErrorEvent(err, r.Method+" "+r.URL.Path)
	} else {
		log.WithError(err).Debug("request rejected")
	}

	if w.wroteHeader {
		return
	}

	gwErr := errors.Categorize(err, "pipeline")
	if errors.IsBackendAnswer(gwErr) {
		if gwErr.ContentType != "" {
			w.Header().Set("Content-Type", gwErr.ContentType)
		}
		w.WriteHeader(gwErr.StatusCode)
		w.Write(gwErr.Body)
		return
	}

	b.writeError(w, state.id, gwErr)
}

func (b *boundary) writeError(w http.ResponseWriter, requestID string, gwErr *errors.GatewayError) {
	resp := ErrorResponse{
		Error: ErrorDetail{
			Code:             gwErr.Type.Code(),
			Message:          gwErr.Message,
			ValidationErrors: gwErr.Fields,
		},
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
	}
	if b.environment != EnvironmentProduction {
		resp.Error.Details = details(gwErr)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gwErr.HTTPStatus())
	json.NewEncoder(w).Encode(resp)
}

func details(gwErr *errors.GatewayError) string {
	d := gwErr.Details
	if gwErr.Cause != nil {
		if d != "" {
			d += ": "
		}
		d += gwErr.Cause.Error()
	}
	return d
}

func (b *boundary) finish(w *statusWriter, r *http.Request, state *requestState, start time.Time) {
	status := w.status
	if !w.wroteHeader {
		status = http.StatusOK
	}
	elapsed := time.Since(start)

	b.log.WithRequestID(state.id).RequestEvent(r.Method, r.URL.Path, status, elapsed)
	if b.metrics != nil {
		b.metrics.RecordRequest(r.Method, status, state.outcome, elapsed)
	}
}

// writeJSON writes v with status.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}
