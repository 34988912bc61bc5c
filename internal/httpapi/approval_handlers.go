package httpapi

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type fileRequestRequest struct {
	SampleID      string `json:"sample_id"`
	Justification string `json:"justification"`
}

type approvalDecisionRequest struct {
	Approve         bool `json:"approve"`
	GrantTTLMinutes int  `json:"grant_ttl_minutes,omitempty"`
}

func (a *API) handleApprovalsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.fileApprovalRequest(w, r)
	case http.MethodGet:
		a.listApprovals(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleApprovalResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	if path == "" || strings.Count(path, "/") > 1 {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/decision"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		a.decideApproval(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(path, "/download"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		a.authorizeDownload(w, r, id)
		return
	}
	if strings.Contains(path, "/") {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	req, err := a.approvals.Get(r.Context(), path)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

func (a *API) fileApprovalRequest(w http.ResponseWriter, r *http.Request) {
	var req fileRequestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	out, err := a.approvals.FileRequest(r.Context(), req.SampleID, req.Justification)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/approvals/"+out.ID)
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) listApprovals(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	switch scope {
	case "", "mine":
		items, err := a.approvals.ListMine(r.Context())
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	case "pending":
		items, err := a.approvals.ListPending(r.Context())
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items})
	default:
		writeError(w, http.StatusBadRequest, "invalid_input", `scope must be "mine" or "pending"`)
	}
}

func (a *API) decideApproval(w http.ResponseWriter, r *http.Request, id string) {
	var req approvalDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	if req.GrantTTLMinutes < 0 || req.GrantTTLMinutes > 24*60 {
		writeError(w, http.StatusBadRequest, "invalid_input", "grant_ttl_minutes must be between 0 and 1440")
		return
	}
	out, err := a.approvals.Decide(r.Context(), id, req.Approve, time.Duration(req.GrantTTLMinutes)*time.Minute)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) authorizeDownload(w http.ResponseWriter, r *http.Request, id string) {
	grant, err := a.approvals.AuthorizeDownload(r.Context(), id)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// handleDownload streams the blob for a capability token. The token is the
// sole credential here: it is short-lived and bound to one sample of one
// approved request.
func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Download-Token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthenticated", "download token is required")
		return
	}

	claims, err := a.approvals.VerifyCapability(token)
	if err != nil {
		handleDomainError(w, err)
		return
	}

	sample, rc, err := a.catalog.OpenSample(r.Context(), claims.SampleID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	defer rc.Close()

	// The token pins the exact content; a re-uploaded sample with different
	// bytes does not satisfy an old grant.
	if sample.Digest != claims.Digest {
		writeError(w, http.StatusGone, "grant_expired", "grant has expired")
		return
	}

	w.Header().Set("Content-Type", sample.MIMEType)
	w.Header().Set("Content-Length", strconv.FormatInt(sample.SizeBytes, 10))
	w.Header().Set("Content-Disposition", `attachment; filename="`+sample.Filename+`"`)
	w.Header().Set("X-Content-Digest", sample.DigestAlgo+":"+sample.Digest)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}
