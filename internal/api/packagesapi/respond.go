package packagesapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/pkg/errors"

	"github.com/voys/parceldesk/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func badRequestErr(msg string) error {
	return errors.Wrap(apperr.ErrInvalidInput, msg)
}

// writeError maps the service error taxonomy onto HTTP statuses. The
// response body carries the outermost message only; wrapped causes stay in
// the logs.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, apperr.ErrUnauthorized), errors.Is(err, apperr.ErrReauthorizationRequired):
		status = http.StatusForbidden
	case errors.Is(err, apperr.ErrUpstream):
		status = http.StatusBadGateway
	}
	if status >= 500 {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
