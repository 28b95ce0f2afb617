package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"offgrid/internal/content"
	"offgrid/internal/logging"
	"offgrid/internal/models"

	"github.com/c-pro/geche"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultTokenExpiry = 12 * time.Hour
	MinPasswordLength  = 8
	loginFailedMessage = "Login failed"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidToken    = errors.New("invalid registration token")
	ErrWeakPassword    = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrInvalidUsername = errors.New("invalid username")
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RegistrationRequest finalizes an account created by an admin: the
// one-time token from the setup link is exchanged for a password.
type RegistrationRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Success     bool   `json:"success"`
	Message     string `json:"message,omitempty"`
	UserID      string `json:"userId,omitempty"`
	Token       string `json:"token,omitempty"`
	TokenExpiry int64  `json:"tokenExpiry,omitempty"`
}

type UserCredentials struct {
	models.User
	PasswordHash string
	// Consecutive failed logins, used to throttle brute force attempts.
	FailedLoginAttempts int64
	LastAttemptTime     int64
}

func (uc *UserCredentials) ResetFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts = 0
	uc.LastAttemptTime = now.Unix()
}

func (uc *UserCredentials) IncrementFailedLoginAttempts(now time.Time) {
	uc.FailedLoginAttempts++
	uc.LastAttemptTime = now.Unix()
}

// Storage persists credentials and tokens across restarts.
type Storage interface {
	UpsertCredentials(credentials UserCredentials) error
	ListCredentials() ([]UserCredentials, error)
	UpsertToken(tokenHash, userID string) error
	DeleteToken(tokenHash string) error
	ListTokens() (map[string]string, error)
	UpsertRegistrationToken(userID, token string) error
	DeleteRegistrationToken(userID string) error
	ListRegistrationTokens() (map[string]string, error)
}

type Config struct {
	TokenExpiry time.Duration
}

type AuthService struct {
	Config
	storage Storage
	log     *logging.Logger

	mu sync.Mutex
	// username -> credentials
	users geche.Geche[string, *UserCredentials]
	// user id -> username
	usernames geche.Geche[string, string]
	// token hash -> user id
	liveTokens geche.Geche[string, string]
	// registration token -> user id
	registrations geche.Geche[string, string]

	now func() time.Time
}

func NewAuthService(ctx context.Context, config Config, storage Storage, log *logging.Logger) (*AuthService, error) {
	if config.TokenExpiry == 0 {
		config.TokenExpiry = DefaultTokenExpiry
	}

	as := &AuthService{
		Config:        config,
		storage:       storage,
		log:           log.Sub("auth"),
		users:         geche.NewMapCache[string, *UserCredentials](),
		usernames:     geche.NewMapCache[string, string](),
		liveTokens:    geche.NewMapTTLCache[string, string](ctx, config.TokenExpiry, time.Minute),
		registrations: geche.NewMapCache[string, string](),
		now:           time.Now,
	}

	if err := as.load(); err != nil {
		return nil, err
	}
	return as, nil
}

func (as *AuthService) load() error {
	creds, err := as.storage.ListCredentials()
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	for i := range creds {
		c := creds[i]
		as.users.Set(c.UserName, &c)
		as.usernames.Set(c.ID, c.UserName)
	}

	tokens, err := as.storage.ListTokens()
	if err != nil {
		return fmt.Errorf("failed to load tokens: %w", err)
	}
	for hash, userID := range tokens {
		as.liveTokens.Set(hash, userID)
	}

	registrations, err := as.storage.ListRegistrationTokens()
	if err != nil {
		return fmt.Errorf("failed to load registration tokens: %w", err)
	}
	for userID, token := range registrations {
		as.registrations.Set(token, userID)
	}

	as.log.Info().Int("users", len(creds)).Int("tokens", len(tokens)).Msg("credentials loaded")
	return nil
}

// AddUser creates an account without a password and returns the one-time
// registration token the user finishes the setup with.
func (as *AuthService) AddUser(username, displayName string) (string, error) {
	if err := content.ValidateUsername(username); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidUsername, err)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if _, err := as.users.Get(username); err == nil {
		return "", ErrUserExists
	}

	displayName = content.StripTags(displayName)
	if displayName == "" {
		displayName = username
	}

	creds := &UserCredentials{
		User: models.User{
			ID:          uuid.NewString(),
			UserName:    username,
			DisplayName: displayName,
		},
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	if err := as.storage.UpsertCredentials(*creds); err != nil {
		return "", fmt.Errorf("failed to store user: %w", err)
	}
	if err := as.storage.UpsertRegistrationToken(creds.ID, token); err != nil {
		return "", fmt.Errorf("failed to store registration token: %w", err)
	}

	as.users.Set(username, creds)
	as.usernames.Set(creds.ID, username)
	as.registrations.Set(token, creds.ID)

	as.log.Info().Str("user_id", creds.ID).Str("username", username).Msg("user created")
	return token, nil
}

// Register sets the password of the account behind a registration token
// and logs the user in.
func (as *AuthService) Register(req RegistrationRequest) (LoginResponse, error) {
	if len(req.Password) < MinPasswordLength {
		return LoginResponse{}, ErrWeakPassword
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	userID, err := as.registrations.Get(req.Token)
	if err != nil {
		return LoginResponse{}, ErrInvalidToken
	}
	user, err := as.userByID(userID)
	if err != nil {
		return LoginResponse{}, ErrInvalidToken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return LoginResponse{}, fmt.Errorf("failed to hash password: %w", err)
	}

	updated := *user
	updated.PasswordHash = string(hash)
	if err := as.storage.UpsertCredentials(updated); err != nil {
		return LoginResponse{}, fmt.Errorf("failed to store credentials: %w", err)
	}
	if err := as.storage.DeleteRegistrationToken(userID); err != nil {
		return LoginResponse{}, fmt.Errorf("failed to delete registration token: %w", err)
	}
	*user = updated
	_ = as.registrations.Del(req.Token)

	return as.issueToken(user)
}

func (as *AuthService) Login(req LoginRequest) (LoginResponse, string) {
	now := as.now()

	as.mu.Lock()
	defer as.mu.Unlock()

	user, err := as.users.Get(req.Username)
	if err != nil || user.PasswordHash == "" {
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	// Check failed login attempts
	if user.FailedLoginAttempts > 3 {
		nextAttempt := user.LastAttemptTime + 30*(user.FailedLoginAttempts*user.FailedLoginAttempts)
		if now.Unix() < nextAttempt {
			return LoginResponse{
				Success: false,
				Message: fmt.Sprintf("Too many failed login attempts. Next attempt in %d seconds", nextAttempt-now.Unix()),
			}, ""
		}
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		user.IncrementFailedLoginAttempts(now)
		as.persist(user)
		return LoginResponse{
			Success: false,
			Message: loginFailedMessage,
		}, ""
	}

	resp, err := as.issueToken(user)
	if err != nil {
		as.log.Error().Str("user_id", user.ID).Err(err).Msg("login failed")
		return LoginResponse{
			Success: false,
			Message: "internal error",
		}, ""
	}

	user.ResetFailedLoginAttempts(now)
	as.persist(user)

	return resp, user.ID
}

func (as *AuthService) persist(user *UserCredentials) {
	if err := as.storage.UpsertCredentials(*user); err != nil {
		as.log.Error().Str("user_id", user.ID).Err(err).Msg("failed to persist credentials")
	}
}

func (as *AuthService) issueToken(user *UserCredentials) (LoginResponse, error) {
	token, err := generateToken()
	if err != nil {
		return LoginResponse{}, err
	}
	hash := hashToken(token)
	if err := as.storage.UpsertToken(hash, user.ID); err != nil {
		return LoginResponse{}, fmt.Errorf("failed to store token: %w", err)
	}
	as.liveTokens.Set(hash, user.ID)

	return LoginResponse{
		Success:     true,
		UserID:      user.ID,
		Token:       token,
		TokenExpiry: as.now().Unix() + int64(as.TokenExpiry.Seconds()),
	}, nil
}

func (as *AuthService) Logoff(token string) error {
	hash := hashToken(token)
	_ = as.liveTokens.Del(hash)
	return as.storage.DeleteToken(hash)
}

// GetUserID resolves a login token to the user id.
func (as *AuthService) GetUserID(token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	userID, err := as.liveTokens.Get(hashToken(token))
	if err != nil {
		return "", ErrUnauthorized
	}
	return userID, nil
}

func (as *AuthService) userByID(id string) (*UserCredentials, error) {
	username, err := as.usernames.Get(id)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	user, err := as.users.Get(username)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	return user, nil
}

func (as *AuthService) GetUser(id string) (models.User, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	user, err := as.userByID(id)
	if err != nil {
		return models.User{}, err
	}
	return user.User, nil
}

// GetUsers returns all users sorted by display name.
func (as *AuthService) GetUsers() []models.User {
	as.mu.Lock()
	defer as.mu.Unlock()

	snapshot := as.users.Snapshot()
	users := make([]models.User, 0, len(snapshot))
	for _, c := range snapshot {
		users = append(users, c.User)
	}

	sort.Slice(users, func(i, j int) bool {
		return users[i].DisplayName < users[j].DisplayName
	})
	return users
}

func generateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.StdEncoding.EncodeToString(sum[:])
}
