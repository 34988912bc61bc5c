package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"medvault.org/internal/audit"
	"medvault.org/internal/auth"
)

// handleAuditQuery exposes the audit trail to admins for compliance review.
func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, err := auth.RequireRole(r.Context(), auth.RoleAdmin); err != nil {
		handleDomainError(w, err)
		return
	}

	q := r.URL.Query()
	f := audit.Filter{
		ActorID:    q.Get("actor_id"),
		Action:     q.Get("action"),
		TargetType: q.Get("target_type"),
		TargetID:   q.Get("target_id"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "since must be RFC 3339")
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "until must be RFC 3339")
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "invalid_input", "limit must be between 1 and 1000")
			return
		}
		f.Limit = n
	}

	items, err := a.audits.Query(r.Context(), f)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
