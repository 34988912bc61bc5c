package httpapi

import (
	"net/http"
	"strings"
	"time"

	"medvault.org/internal/auth"
)

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	Role        auth.Role `json:"role"`
	UserID      string    `json:"user_id"`
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	u, err := a.auth.Register(r.Context(), req.Username, req.Password, auth.Role(req.Role), req.GroupID)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/users/"+u.ID)
	writeJSON(w, http.StatusCreated, u)
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	token, exp, u, err := a.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   exp,
		Role:        u.Role,
		UserID:      u.ID,
	})
}

// handleMe returns the identity behind the presented token.
func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	u, err := a.auth.Me(r.Context())
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	if path == "" || strings.Count(path, "/") > 1 {
		writeError(w, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/role"); ok {
		if r.Method != http.MethodPut {
			methodNotAllowed(w, http.MethodPut)
			return
		}
		a.setUserRole(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(path, "/deactivate"); ok {
		if r.Method != http.MethodPost {
			methodNotAllowed(w, http.MethodPost)
			return
		}
		a.deactivateUser(w, r, id)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "resource not found")
}

func (a *API) setUserRole(w http.ResponseWriter, r *http.Request, id string) {
	var req setRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		return
	}
	u, err := a.auth.SetRole(r.Context(), id, auth.Role(req.Role))
	if err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (a *API) deactivateUser(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.auth.Deactivate(r.Context(), id); err != nil {
		handleDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "disabled", "user_id": id})
}
