package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"medvault.org/internal/annotation"
	"medvault.org/internal/approval"
	"medvault.org/internal/auth"
	"medvault.org/internal/catalog"
	"medvault.org/internal/store/sqldb"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope: a stable machine-readable code plus
// a human-readable message. Codes match the reason strings in the audit log.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"code": code, "error": msg})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps service errors to HTTP statuses. Messages stay
// generic: storage paths, digests and SQL details never reach the client.
func handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated), errors.Is(err, auth.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
	case errors.Is(err, approval.ErrSelfApprovalForbidden):
		writeError(w, http.StatusForbidden, "self_approval_forbidden", "reviewers cannot approve their own requests")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	case errors.Is(err, auth.ErrNotFound),
		errors.Is(err, catalog.ErrNotFound),
		errors.Is(err, annotation.ErrNotFound),
		errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, auth.ErrAlreadyExists), errors.Is(err, catalog.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already_exists", "resource already exists")
	case errors.Is(err, approval.ErrDuplicateActiveRequest):
		writeError(w, http.StatusConflict, "duplicate_active_request", "an active request for this sample already exists")
	case errors.Is(err, annotation.ErrInvalidTransition), errors.Is(err, approval.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", "state transition not allowed")
	case errors.Is(err, approval.ErrNotApproved):
		writeError(w, http.StatusConflict, "not_approved", "request is not approved")
	case errors.Is(err, approval.ErrGrantExpired):
		writeError(w, http.StatusGone, "grant_expired", "grant has expired")
	case errors.Is(err, catalog.ErrUnsupportedMediaType):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported_media_type", "media type not allowed")
	case errors.Is(err, catalog.ErrBlobMissing):
		writeError(w, http.StatusInternalServerError, "blob_missing", "stored object unavailable")
	case errors.Is(err, auth.ErrInvalidInput),
		errors.Is(err, catalog.ErrInvalidInput),
		errors.Is(err, annotation.ErrInvalidInput),
		errors.Is(err, approval.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, sqldb.ErrTimeout):
		writeError(w, http.StatusServiceUnavailable, "timeout", "storage temporarily unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
