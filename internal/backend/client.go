package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"offgrid/internal/auth"
	"offgrid/internal/filestore"
	"offgrid/internal/logging"
	"offgrid/internal/models"
)

var ErrUnauthorized = errors.New("authentication required")

// APIError is a failed API response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("api error %d", e.Status)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case filestore.ErrBucketNotFound:
		return e.Code == models.CodeBucketNotFound
	case models.ErrNotFound:
		return e.Code == models.CodeNotFound
	}
	return false
}

// Client talks to the offgrid API on behalf of one user.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logging.Logger

	mu     sync.RWMutex
	token  string
	userID string

	rt *realtime
}

func NewClient(baseURL string, httpClient *http.Client, log *logging.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		log:     log.Sub("backend"),
	}
}

// SetToken installs a login token obtained elsewhere.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) session() (token, userID string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, c.userID
}

func (c *Client) Login(ctx context.Context, username, password string) error {
	var resp auth.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/login", auth.LoginRequest{Username: username, Password: password}, &resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.userID = resp.UserID
	c.mu.Unlock()
	return nil
}

// Register finishes an account created by an admin and logs in.
func (c *Client) Register(ctx context.Context, registrationToken, password string) error {
	var resp auth.LoginResponse
	err := c.do(ctx, http.MethodPost, "/api/register", auth.RegistrationRequest{Token: registrationToken, Password: password}, &resp)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = resp.Token
	c.userID = resp.UserID
	c.mu.Unlock()
	return nil
}

func (c *Client) Logoff(ctx context.Context) error {
	err := c.do(ctx, http.MethodPost, "/api/logoff", nil, nil)
	c.mu.Lock()
	c.token = ""
	c.userID = ""
	c.mu.Unlock()
	return err
}

func (c *Client) CurrentUser(ctx context.Context) (models.User, error) {
	if token, _ := c.session(); token == "" {
		return models.User{}, ErrUnauthorized
	}
	var user models.User
	if err := c.do(ctx, http.MethodGet, "/api/me", nil, &user); err != nil {
		return models.User{}, err
	}
	c.mu.Lock()
	c.userID = user.ID
	c.mu.Unlock()
	return user, nil
}

func (c *Client) GetProfile(ctx context.Context, userID string) (models.User, error) {
	var user models.User
	err := c.do(ctx, http.MethodGet, "/api/users/"+url.PathEscape(userID), nil, &user)
	return user, err
}

func (c *Client) Users(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := c.do(ctx, http.MethodGet, "/api/users", nil, &users)
	return users, err
}

func (c *Client) Conversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var list []wireConversation
	if err := c.do(ctx, http.MethodGet, "/api/conversations", nil, &list); err != nil {
		return nil, err
	}
	out := make([]models.ConversationSummary, len(list))
	for i, w := range list {
		out[i] = models.ConversationSummary{
			PartnerID:   w.PartnerID,
			Partner:     w.Partner,
			LastMessage: w.LastMessage.toModel(),
		}
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, req models.SendMessageRequest) (models.Message, error) {
	var msg wireMessage
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &msg); err != nil {
		return models.Message{}, err
	}
	return msg.toModel(), nil
}

// QueryMessages returns the conversation with partnerID, oldest first.
func (c *Client) QueryMessages(ctx context.Context, partnerID string) ([]models.Message, error) {
	var list []wireMessage
	if err := c.do(ctx, http.MethodGet, "/api/messages?partner="+url.QueryEscape(partnerID), nil, &list); err != nil {
		return nil, err
	}
	out := make([]models.Message, len(list))
	for i, w := range list {
		out[i] = w.toModel()
	}
	return out, nil
}

func (c *Client) MarkDelivered(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/delivered", nil, nil)
}

func (c *Client) UploadObject(ctx context.Context, bucket, objectPath string, body io.Reader) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/api/storage/"+url.PathEscape(bucket)+"/"+filestore.EscapePath(objectPath), body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	return c.send(req, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if token, _ := c.session(); token != "" {
		req.Header.Set("token", token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	var r models.APIResponse
	if json.Unmarshal(body, &r) == nil && (r.Message != "" || r.Code != "") {
		apiErr.Code = r.Code
		apiErr.Message = r.Message
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(body))
	return apiErr
}
