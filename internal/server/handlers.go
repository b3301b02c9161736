package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dedupstore/internal/api"
	"dedupstore/internal/dedup"
)

func (s *Server) writeErrorReq(w http.ResponseWriter, r *http.Request, status int, err error) {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	shape := shapeOf(status, err)

	fields := []any{"status", status, "code", shape.code, "error_code", shape.errCode, "error", err}
	if r != nil {
		fields = append(fields, "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
	}
	message := err.Error()
	switch logLevelForStatus(status) {
	case slog.LevelError:
		s.log().Error("request error", fields...)
		message = "internal error"
	case slog.LevelWarn:
		s.log().Warn("request rejected", fields...)
	default:
		s.log().Debug("request rejected", fields...)
	}

	s.writeJSON(w, status, api.ErrorResponse{Error: message, Code: shape.code, ErrorCode: shape.errCode})
}

// logLevelForStatus picks the level for a rejected request. 507 logs as a
// warning and, unlike other 5xx, keeps its message in the response.
func logLevelForStatus(status int) slog.Level {
	switch {
	case status == http.StatusInsufficientStorage:
		return slog.LevelWarn
	case status >= 500:
		return slog.LevelError
	case status == http.StatusRequestEntityTooLarge, status == http.StatusTooManyRequests:
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log().Error("write json response", "status", status, "error", err)
	}
}

// apiError carries the HTTP shape of a failure up to writeErrorReq.
type apiError struct {
	status int
	errorShape
	err error
}

func (e apiError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e apiError) Unwrap() error { return e.err }

// makeAPIError attaches an HTTP shape to err unless it already has one.
func makeAPIError(status int, code string, errCode int, err error) error {
	if err == nil {
		err = errors.New(http.StatusText(status))
	}
	var existing apiError
	if errors.As(err, &existing) && existing.status != 0 {
		return existing
	}
	return apiError{status: status, errorShape: errorShape{code: code, errCode: errCode}, err: err}
}

func badRequestCode(err error, code int) error {
	return makeAPIError(http.StatusBadRequest, api.CodeInvalidArgument, code, err)
}

// fileError maps a coordinator error onto its HTTP shape.
func fileError(err error) error {
	if errors.Is(err, dedup.ErrEmptyPayload) {
		return makeAPIError(http.StatusBadRequest, api.CodeEmptyPayload, ErrCodeEmptyPayload, err)
	}
	if errors.Is(err, dedup.ErrContentMissing) {
		return makeAPIError(http.StatusNotFound, api.CodeNotFound, ErrCodeContentNotFound, err)
	}
	shape, ok := kindShapes[dedup.KindOf(err)]
	if !ok {
		return makeAPIError(http.StatusInternalServerError, api.CodeInternal, ErrCodeInternal, err)
	}
	return makeAPIError(shape.status, shape.code, shape.errCode, err)
}

func httpStatusFromError(err error) int {
	var apiErr apiError
	if errors.As(err, &apiErr) {
		return apiErr.status
	}
	return http.StatusInternalServerError
}

// shapeOf prefers the shape err carries and falls back to the status default
// field by field.
func shapeOf(status int, err error) errorShape {
	shape := statusShapes[status]
	var apiErr apiError
	if errors.As(err, &apiErr) {
		if apiErr.code != "" {
			shape.code = apiErr.code
		}
		if apiErr.errCode > 0 {
			shape.errCode = apiErr.errCode
		}
	}
	return shape
}

func errorCode(status int, err error) string {
	return shapeOf(status, err).code
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	err = fileError(err)
	s.writeErrorReq(w, r, httpStatusFromError(err), err)
}

func (s *Server) pathIDOrBadRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := requirePathID(r)
	if err != nil {
		s.writeErrorReq(w, r, http.StatusBadRequest, err)
		return "", false
	}
	return id, true
}

func requirePathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.PathValue("id"))
	if !validateFileID(id) {
		return "", badRequestCode(fmt.Errorf("invalid id"), ErrCodeInvalidID)
	}
	return id, nil
}

// validateFileID accepts the canonical UUID form only, so lookups never miss
// on a differently formatted spelling of a real id.
func validateFileID(id string) bool {
	parsed, err := uuid.Parse(id)
	return err == nil && parsed.String() == id
}

// queryValue parses an optional query parameter; absent means the zero value.
func queryValue[T any](r *http.Request, key string, parse func(string) (T, error)) (T, error) {
	var zero T
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return zero, nil
	}
	v, err := parse(raw)
	if err != nil {
		return zero, badRequestCode(fmt.Errorf("invalid %s", key), ErrCodeInvalidQuery)
	}
	return v, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	n, err := queryValue(r, key, strconv.Atoi)
	if err == nil && n < 0 {
		return 0, badRequestCode(fmt.Errorf("%s must be >= 0", key), ErrCodeInvalidQuery)
	}
	return n, err
}

func queryBool(r *http.Request, key string) (bool, error) {
	return queryValue(r, key, strconv.ParseBool)
}

func parseFlexibleTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	t, err := time.Parse(time.RFC3339Nano, value)
	if err == nil {
		return t.UTC(), nil
	}
	t, err = time.Parse(time.DateOnly, value)
	if err == nil {
		return t, nil
	}
	return time.Time{}, badRequestCode(fmt.Errorf("expected RFC3339 or YYYY-MM-DD format"), ErrCodeInvalidTimeFilter)
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}
