package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pomodex/sandboxd/pkg/storage"
	"github.com/pomodex/sandboxd/pkg/types"
)

const (
	// AccessTokenTTL bounds how long a bearer token is honored.
	AccessTokenTTL = 15 * time.Minute
	// RefreshTokenTTL bounds the refresh window; after this the user
	// logs in again.
	RefreshTokenTTL = 30 * 24 * time.Hour

	refreshTokenBytes = 32
)

// TokenPair is what login and refresh hand back to the client.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Service issues and verifies credentials. Access tokens are HS256
// JWTs; refresh tokens are opaque random strings stored only as
// SHA-256 digests and rotated on every use.
type Service struct {
	store  storage.Store
	secret []byte
}

// NewService creates the auth service with the given signing secret.
func NewService(store storage.Store, secret string) *Service {
	return &Service{store: store, secret: []byte(secret)}
}

// Register creates a new account. Duplicate emails surface as a
// conflict from the store.
func (s *Service) Register(ctx context.Context, email, password string) (*types.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, types.External("failed to hash password", err)
	}
	user := &types.User{
		ID:           types.NewID(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// Login checks the password and issues a fresh token pair. An unknown
// email and a wrong password are indistinguishable to the caller.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.Unauthorized("invalid credentials")
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, types.Unauthorized("invalid credentials")
	}
	return s.issuePair(ctx, user.ID)
}

// Refresh rotates a refresh token: the presented token's row is
// deleted and a new pair issued. A reused or expired token gets a
// plain unauthorized, never a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	digest := hashToken(refreshToken)
	row, err := s.store.GetRefreshToken(ctx, digest)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.Unauthorized("invalid refresh token")
		}
		return nil, err
	}
	if time.Now().UTC().After(row.ExpiresAt) {
		// Expired rows are garbage; collect on sight.
		_ = s.store.DeleteRefreshToken(ctx, row.ID)
		return nil, types.Unauthorized("refresh token expired")
	}
	if err := s.store.DeleteRefreshToken(ctx, row.ID); err != nil {
		return nil, err
	}
	return s.issuePair(ctx, row.UserID)
}

// Authenticate validates a bearer access token and returns the user ID
// it was issued to.
func (s *Service) Authenticate(token string) (uuid.UUID, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.Unauthorized("unexpected signing method")
		}
		return s.secret, nil
	})
	if err != nil || !parsed.Valid {
		return uuid.Nil, types.Unauthorized("invalid token")
	}
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, types.Unauthorized("invalid token subject")
	}
	return userID, nil
}

// VerifyProjectAccess is the terminal gateway's check: the token must
// be valid and the project must belong to the token's user. On success
// the project's connection timestamp is advanced so the idle clock
// resets.
func (s *Service) VerifyProjectAccess(ctx context.Context, token string, projectID uuid.UUID) (uuid.UUID, error) {
	userID, err := s.Authenticate(token)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := s.store.GetProject(ctx, projectID, userID); err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return uuid.Nil, types.Unauthorized("project access denied")
		}
		return uuid.Nil, err
	}
	if err := s.store.TouchConnection(ctx, projectID, time.Now().UTC()); err != nil {
		return uuid.Nil, err
	}
	return userID, nil
}

func (s *Service) issuePair(ctx context.Context, userID uuid.UUID) (*TokenPair, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   userID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, types.External("failed to sign access token", err)
	}

	raw := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, types.External("failed to generate refresh token", err)
	}
	refresh := base64.RawURLEncoding.EncodeToString(raw)

	if err := s.store.CreateRefreshToken(ctx, &types.RefreshToken{
		ID:        types.NewID(),
		UserID:    userID,
		TokenHash: hashToken(refresh),
		ExpiresAt: now.Add(RefreshTokenTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, err
	}

	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// hashToken digests a refresh token for storage. Plaintext tokens
// never touch the database.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
