package httpapi

import (
	"net/http"
	"strings"
)

type submitAnnotationRequest struct {
	Payload string `json:"payload"`
}

type annotationDecisionRequest struct {
	Accept bool `json:"accept"`
}

func (a *API) handleAnnotationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/annotations/")
	if path == "" || strings.Count(path, "/") > 1 {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/review"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		ann, err := a.annotations.BeginReview(r.Context(), id)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ann)
		return
	}

	if id, ok := strings.CutSuffix(path, "/decision"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		var req annotationDecisionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		ann, err := a.annotations.Decide(r.Context(), id, req.Accept)
		if err != nil {
			handleDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ann)
		return
	}

	writeError(w, http.StatusNotFound, "not_found", "resource not found")
}

func (a *API) submitAnnotation(w http.ResponseWriter, r *http.Request, sampleID string) {
	var req submitAnnotationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	ann, err := a.annotations.Submit(r.Context(), sampleID, req.Payload)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/annotations/"+ann.ID)
	writeJSON(w, http.StatusCreated, ann)
}

func (a *API) listAnnotations(w http.ResponseWriter, r *http.Request, sampleID string) {
	items, err := a.annotations.List(r.Context(), sampleID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
