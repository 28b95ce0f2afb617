package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"offgrid/internal/auth"
	"offgrid/internal/logging"
)

type AdminHandler struct {
	authService *auth.AuthService
	baseURL     string
	log         *logging.Logger
}

func NewAdminHandler(authService *auth.AuthService, baseURL string, log *logging.Logger) *AdminHandler {
	return &AdminHandler{authService: authService, baseURL: baseURL, log: log.Sub("admin")}
}

type AddUserRequest struct {
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
}

type AddUserResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message,omitempty"`
	Username          string `json:"username,omitempty"`
	RegistrationToken string `json:"registrationToken,omitempty"`
	SetupLink         string `json:"setupLink,omitempty"`
}

// SetupLink is where a new user picks a password.
func SetupLink(baseURL, token string) string {
	return fmt.Sprintf("%s/register?token=%s", strings.TrimRight(baseURL, "/"), url.QueryEscape(token))
}

func (h *AdminHandler) AddUserHandler(w http.ResponseWriter, r *http.Request) {
	var req AddUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Username == "" {
		http.Error(w, "Username is required", http.StatusBadRequest)
		return
	}

	token, err := h.authService.AddUser(req.Username, req.DisplayName)
	if err != nil {
		status, _ := classify(err)
		h.writeJSON(w, status, AddUserResponse{
			Success: false,
			Message: fmt.Sprintf("Failed to create user: %v", err),
		})
		return
	}

	h.writeJSON(w, http.StatusOK, AddUserResponse{
		Success:           true,
		Username:          req.Username,
		RegistrationToken: token,
		SetupLink:         SetupLink(h.baseURL, token),
	})
}

func (h *AdminHandler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.authService.GetUsers())
}

func (h *AdminHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("failed to encode response")
	}
}
