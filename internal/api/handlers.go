package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"offgrid/internal/auth"
	"offgrid/internal/logging"
	"offgrid/internal/messaging"
	"offgrid/internal/metrics"
	"offgrid/internal/models"
	"offgrid/internal/storage"
)

type PushStore interface {
	UpsertPushSubscription(sub storage.PushSubscription) error
	DeletePushSubscription(userID, endpoint string) error
}

type API struct {
	auth     *auth.AuthService
	messages *messaging.Service
	push     PushStore
	pushKey  string
	log      *logging.Logger
	metrics  *metrics.Metrics
}

func New(
	authService *auth.AuthService,
	messages *messaging.Service,
	push PushStore,
	pushKey string,
	log *logging.Logger,
	m *metrics.Metrics,
) *API {
	return &API{
		auth:     authService,
		messages: messages,
		push:     push,
		pushKey:  pushKey,
		log:      log.Sub("api"),
		metrics:  m,
	}
}

func (a *API) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest

	// Support both JSON and Form
	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}
		req.Username = r.FormValue("username")
		req.Password = r.FormValue("password")
	}

	loginResp, _ := a.auth.Login(req)

	if !loginResp.Success {
		a.metrics.LoginAttempts.WithLabelValues("failed").Inc()
		a.writeJSON(w, http.StatusUnauthorized, loginResp)
		return
	}
	a.metrics.LoginAttempts.WithLabelValues("ok").Inc()

	setTokenCookie(w, loginResp)
	a.writeJSON(w, http.StatusOK, loginResp)
}

func setTokenCookie(w http.ResponseWriter, resp auth.LoginResponse) {
	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    resp.Token,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Unix(resp.TokenExpiry, 0),
	})
}

func getToken(r *http.Request) string {
	token := r.Header.Get("token")
	if token == "" {
		if c, err := r.Cookie("token"); err == nil {
			token = c.Value
		}
	}
	return token
}

func (a *API) LogoffHandler(w http.ResponseWriter, r *http.Request) {
	token := getToken(r)
	if token != "" {
		_ = a.auth.Logoff(token)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "token",
		Value:    "",
		HttpOnly: true,
		Path:     "/",
		MaxAge:   -1,
	})

	w.WriteHeader(http.StatusOK)
}

func (a *API) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req auth.RegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp, err := a.auth.Register(req)
	if err != nil {
		a.writeError(w, err)
		return
	}

	setTokenCookie(w, resp)
	a.writeJSON(w, http.StatusOK, resp)
}

func (a *API) MeHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.messages.Profile(userIDFrom(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, user)
}

func (a *API) UserHandler(w http.ResponseWriter, r *http.Request) {
	user, err := a.messages.Profile(r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, user)
}

func (a *API) UsersHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.auth.GetUsers())
}

func (a *API) ConversationsHandler(w http.ResponseWriter, r *http.Request) {
	list, err := a.messages.Conversations(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, list)
}

func (a *API) MessagesHandler(w http.ResponseWriter, r *http.Request) {
	history, err := a.messages.History(r.Context(), userIDFrom(r.Context()), r.URL.Query().Get("partner"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, history)
}

func (a *API) SendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	msg, err := a.messages.Send(r.Context(), userIDFrom(r.Context()), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, msg)
}

func (a *API) DeliveredHandler(w http.ResponseWriter, r *http.Request) {
	msg, err := a.messages.MarkDelivered(r.Context(), userIDFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, msg)
}

type UploadResponse struct {
	Bucket string `json:"bucket"`
	Path   string `json:"path"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
}

func (a *API) UploadHandler(w http.ResponseWriter, r *http.Request) {
	meta, err := a.messages.Upload(r.Context(), userIDFrom(r.Context()), r.PathValue("bucket"), r.PathValue("path"), r.Body)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, UploadResponse{
		Bucket: meta.Bucket,
		Path:   meta.Path,
		Type:   meta.MimeType,
		Size:   meta.Size,
	})
}

func (a *API) SignedObjectHandler(w http.ResponseWriter, r *http.Request) {
	expires, err := strconv.ParseInt(r.URL.Query().Get("expires"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid expiry", http.StatusBadRequest)
		return
	}
	rc, meta, err := a.messages.OpenSigned(r.PathValue("bucket"), r.PathValue("path"), expires, r.URL.Query().Get("sig"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.serveObject(w, rc, meta)
}

func (a *API) PublicObjectHandler(w http.ResponseWriter, r *http.Request) {
	rc, meta, err := a.messages.OpenPublic(r.PathValue("bucket"), r.PathValue("path"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.serveObject(w, rc, meta)
}

func (a *API) serveObject(w http.ResponseWriter, rc io.ReadCloser, meta storage.ObjectMetadata) {
	defer rc.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Content-Length", strconv.FormatInt(meta.Size, 10))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	if _, err := io.Copy(w, rc); err != nil {
		a.log.Warn().Str("bucket", meta.Bucket).Str("path", meta.Path).Err(err).Msg("failed to write object")
	}
}

type PushSubscriptionRequest struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		Auth   string `json:"auth"`
		P256dh string `json:"p256dh"`
	} `json:"keys"`
}

func (a *API) PushKeyHandler(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"publicKey": a.pushKey})
}

func (a *API) PushSubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Endpoint == "" || req.Keys.Auth == "" || req.Keys.P256dh == "" {
		http.Error(w, "Incomplete subscription", http.StatusBadRequest)
		return
	}

	err := a.push.UpsertPushSubscription(storage.PushSubscription{
		UserID:   userIDFrom(r.Context()),
		Endpoint: req.Endpoint,
		Auth:     req.Keys.Auth,
		P256dh:   req.Keys.P256dh,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

func (a *API) PushUnsubscribeHandler(w http.ResponseWriter, r *http.Request) {
	var req PushSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := a.push.DeletePushSubscription(userIDFrom(r.Context()), req.Endpoint); err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, models.APIResponse{Success: true})
}

type ctxKey struct{}

func userIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// RequireAuth resolves the login token and passes the user id down in the
// request context.
func (a *API) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := a.auth.GetUserID(getToken(r))
		if err != nil {
			a.writeError(w, auth.ErrUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	}
}

// RequireSameOrigin rejects cross-site browser requests on cookie
// authenticated endpoints. Requests without an Origin header pass.
func RequireSameOrigin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && !sameHost(origin, r.Host) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		a.log.Error().Err(err).Msg("request failed")
		msg = "internal error"
	}
	a.writeJSON(w, status, models.APIResponse{
		Success: false,
		Message: msg,
		Code:    code,
	})
}
