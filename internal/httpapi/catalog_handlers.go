package httpapi

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
)

type createDatasetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (a *API) handleDatasetsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createDataset(w, r)
	case http.MethodGet:
		a.listDatasets(w, r)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleDatasetResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/datasets/")
	if path == "" {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/samples"); ok && id != "" {
		switch r.Method {
		case http.MethodPost:
			a.uploadSample(w, r, id)
		case http.MethodGet:
			a.listSamples(w, r, id)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
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
	d, err := a.catalog.GetDataset(r.Context(), path)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (a *API) handleSampleResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/samples/")
	if path == "" {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/annotations"); ok && id != "" {
		switch r.Method {
		case http.MethodPost:
			a.submitAnnotation(w, r, id)
		case http.MethodGet:
			a.listAnnotations(w, r, id)
		default:
			methodNotAllowed(w, http.MethodGet, http.MethodPost)
		}
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
	sm, err := a.catalog.GetSample(r.Context(), path)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sm)
}

func (a *API) createDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	d, err := a.catalog.CreateDataset(r.Context(), req.Name, req.Description)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/datasets/"+d.ID)
	writeJSON(w, http.StatusCreated, d)
}

func (a *API) listDatasets(w http.ResponseWriter, r *http.Request) {
	items, err := a.catalog.ListDatasets(r.Context())
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// uploadSample streams the multipart file part into the blob store without
// buffering the whole payload. The declared media type comes from the part
// header and is validated by the catalog against the allow-list.
func (a *API) uploadSample(w http.ResponseWriter, r *http.Request, datasetID string) {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "multipart/form-data" {
		writeError(w, http.StatusBadRequest, "invalid_input", "multipart/form-data body is required")
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
			return
		}
		if part.FormName() != "file" {
			_ = part.Close()
			continue
		}

		declaredMIME, _, _ := mime.ParseMediaType(part.Header.Get("Content-Type"))
		sm, err := a.catalog.PutSample(r.Context(), datasetID, part.FileName(), declaredMIME, part)
		_ = part.Close()
		if err != nil {
			handleDomainError(w, err)
			return
		}
		w.Header().Set("Location", "/v1/samples/"+sm.ID)
		writeJSON(w, http.StatusCreated, sm)
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_input", `multipart part "file" is required`)
}

func (a *API) listSamples(w http.ResponseWriter, r *http.Request, datasetID string) {
	items, err := a.catalog.ListSamples(r.Context(), datasetID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
