package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"veloway/backend/libs/session"
	"veloway/backend/services/auth-service/internal/models"
	"veloway/backend/services/auth-service/internal/password"
	"veloway/backend/services/auth-service/internal/repository"
)

var (
	// ErrEmailInUse is returned when attempting to register a duplicate email.
	ErrEmailInUse = errors.New("auth: email already registered")
	// ErrInvalidCredentials represents login failure.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

// UserRepository defines the storage contract used by the service.
type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByEmail(ctx context.Context, email string) (*models.User, error)
}

// CredentialProvisioner manages scoped broker identities. The production
// implementation talks to the broker's dynamic-security control channel.
type CredentialProvisioner interface {
	CreateReaderCredential(ctx context.Context, username, password string) error
	CreatePublisherCredential(ctx context.Context, username, password string) error
	RotatePassword(ctx context.Context, username, password string) error
	DeleteCredential(ctx context.Context, username string) error
}

// LoginResult carries everything a freshly authenticated client needs.
// Broker credentials are only present for admin (dashboard) sessions.
type LoginResult struct {
	Session        session.Session
	AccessToken    string
	BrokerUsername string
	BrokerPassword string
}

// AuthService owns login/logout and the session–credential lifecycle binding:
// a reader credential is issued when an admin session is created and revoked
// when that session ends, whether by logout or by eviction.
type AuthService struct {
	users       UserRepository
	sessions    session.Store
	credentials CredentialProvisioner
	hasher      password.Hasher
	tokens      *TokenService
	sessionTTL  time.Duration
	logger      *zap.Logger
}

// NewAuthService builds AuthService.
func NewAuthService(users UserRepository, sessions session.Store, credentials CredentialProvisioner, hasher password.Hasher, tokens *TokenService, sessionTTL time.Duration, logger *zap.Logger) *AuthService {
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	return &AuthService{
		users:       users,
		sessions:    sessions,
		credentials: credentials,
		hasher:      hasher,
		tokens:      tokens,
		sessionTTL:  sessionTTL,
		logger:      logger,
	}
}

// readerUsername derives the broker identity bound to a dashboard session.
func readerUsername(sessionID string) string {
	return "dash-" + sessionID
}

// VehicleUsername derives the broker identity bound to a vehicle.
func VehicleUsername(vehicleID string) string {
	return "veh-" + vehicleID
}

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Signup registers a new user.
func (s *AuthService) Signup(ctx context.Context, email, plainPassword, role string) (*models.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, errors.New("auth: email required")
	}
	if plainPassword == "" {
		return nil, errors.New("auth: password required")
	}
	if role == "" {
		role = string(session.RoleCustomer)
	}

	if _, err := s.users.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailInUse
	} else if !errors.Is(err, repository.ErrUserNotFound) {
		return nil, err
	}

	hash, err := s.hasher.Hash(plainPassword)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:        email,
		PasswordHash: hash,
		Role:         role,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info("user signed up", zap.Int64("user_id", user.ID), zap.String("email", user.Email))
	return user, nil
}

// Login authenticates a user, creates its single live session and, for admin
// sessions, provisions the paired broker reader credential. The credential is
// confirmed by the broker before the session is handed out, so a dashboard
// can never connect with not-yet-valid credentials.
func (s *AuthService) Login(ctx context.Context, email, plainPassword string) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || plainPassword == "" {
		return nil, ErrInvalidCredentials
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := s.hasher.Compare(user.PasswordHash, plainPassword); err != nil {
		return nil, ErrInvalidCredentials
	}

	sess := session.Session{
		ID:            uuid.NewString(),
		AccountID:     strconv.FormatInt(user.ID, 10),
		Role:          session.Role(user.Role),
		CreatedAt:     time.Now().UTC(),
		ValidPeriodMS: s.sessionTTL.Milliseconds(),
	}

	result := &LoginResult{Session: sess}

	if sess.Role == session.RoleAdmin {
		brokerPassword, err := randomPassword()
		if err != nil {
			return nil, err
		}
		if err := s.credentials.CreateReaderCredential(ctx, readerUsername(sess.ID), brokerPassword); err != nil {
			return nil, err
		}
		result.BrokerUsername = readerUsername(sess.ID)
		result.BrokerPassword = brokerPassword
	}

	evicted, err := s.sessions.Save(ctx, sess)
	if err != nil {
		// The session never existed; don't leave its credential behind.
		if result.BrokerUsername != "" {
			s.revokeReaderCredential(sess.ID)
		}
		return nil, err
	}
	if evicted != "" {
		// Expected side effect of single-session enforcement, not an error.
		s.logger.Info("evicted prior session",
			zap.String("account_id", sess.AccountID),
			zap.String("evicted_session_id", evicted))
		if sess.Role == session.RoleAdmin {
			s.revokeReaderCredential(evicted)
		}
	}

	token, err := s.tokens.GenerateToken(sess.AccountID, user.Role)
	if err != nil {
		return nil, err
	}
	result.AccessToken = token

	return result, nil
}

// Logout ends the session and revokes its paired credential. A stale logout
// (session already replaced by a newer login) must not disturb the newer
// session's account mapping; the store's delete guards that.
func (s *AuthService) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return errors.New("auth: session id required")
	}

	sess, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrNotFound) {
		// Already expired or evicted; its credential was revoked with it.
		return nil
	}
	if err != nil {
		return err
	}

	if err := s.sessions.Delete(ctx, sess.ID, sess.AccountID); err != nil {
		return err
	}
	if sess.Role == session.RoleAdmin {
		s.revokeReaderCredential(sess.ID)
	}
	return nil
}

// CreateVehicleCredential provisions a publish identity for a vehicle and
// returns it. Admin-only at the HTTP layer.
func (s *AuthService) CreateVehicleCredential(ctx context.Context, vehicleID string) (username, brokerPassword string, err error) {
	vehicleID = strings.TrimSpace(vehicleID)
	if vehicleID == "" {
		return "", "", errors.New("auth: vehicle id required")
	}

	brokerPassword, err = randomPassword()
	if err != nil {
		return "", "", err
	}
	username = VehicleUsername(vehicleID)
	if err := s.credentials.CreatePublisherCredential(ctx, username, brokerPassword); err != nil {
		return "", "", err
	}
	return username, brokerPassword, nil
}

// RevokeVehicleCredential deletes a vehicle's publish identity.
func (s *AuthService) RevokeVehicleCredential(ctx context.Context, vehicleID string) error {
	vehicleID = strings.TrimSpace(vehicleID)
	if vehicleID == "" {
		return errors.New("auth: vehicle id required")
	}
	return s.credentials.DeleteCredential(ctx, VehicleUsername(vehicleID))
}

// revokeReaderCredential is best-effort; the session is already gone and
// failures are only logged.
func (s *AuthService) revokeReaderCredential(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.credentials.DeleteCredential(ctx, readerUsername(sessionID)); err != nil {
		s.logger.Warn("failed to revoke reader credential",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
}
