package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pomodex/sandboxd/pkg/storage"
	"github.com/pomodex/sandboxd/pkg/types"
)

const testSecret = "test-secret"

func newService() (*Service, *storage.MemoryStore) {
	store := storage.NewMemoryStore()
	return NewService(store, testSecret), store
}

func TestRegisterAndLogin(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	user, err := svc.Register(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", user.Email)
	// Hash only, never the password.
	assert.NotContains(t, user.PasswordHash, "P@ss1234!")

	pair, err := svc.Login(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)
	// JWT access token, opaque refresh token.
	assert.Equal(t, 2, strings.Count(pair.AccessToken, "."))
	assert.Zero(t, strings.Count(pair.RefreshToken, "."))
}

func TestRegisterDuplicateEmail(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)

	_, err = svc.Register(ctx, "a@example.com", "different-pw")
	assert.True(t, types.IsKind(err, types.KindConflict))
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)

	tests := []struct {
		name     string
		email    string
		password string
	}{
		{name: "wrong password", email: "a@example.com", password: "wrong"},
		{name: "unknown email", email: "b@example.com", password: "P@ss1234!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Login(ctx, tt.email, tt.password)
			assert.True(t, types.IsKind(err, types.KindUnauthorized))
		})
	}
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	user, err := svc.Register(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)
	pair, err := svc.Login(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)

	got, err := svc.Authenticate(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got)
}

func TestAuthenticateRejectsForgedToken(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	user, err := svc.Register(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)

	// Same claims, wrong key.
	claims := jwt.RegisteredClaims{
		Subject:   user.ID.String(),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("other-secret"))
	require.NoError(t, err)

	_, err = svc.Authenticate(forged)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))
}

func TestAuthenticateRejectsExpiredToken(t *testing.T) {
	svc, _ := newService()

	claims := jwt.RegisteredClaims{
		Subject:   types.NewID().String(),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Hour)),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-30 * time.Minute)),
	}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = svc.Authenticate(expired)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))
}

func TestRefreshRotation(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)
	pair, err := svc.Login(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)

	next, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)

	// The consumed token is dead; reuse is unauthorized.
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))

	// The rotated token works.
	_, err = svc.Refresh(ctx, next.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshRejectsExpiredToken(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	raw := "some-opaque-token"
	require.NoError(t, store.CreateRefreshToken(ctx, &types.RefreshToken{
		ID:        types.NewID(),
		UserID:    types.NewID(),
		TokenHash: hashToken(raw),
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
		CreatedAt: time.Now().UTC().Add(-31 * 24 * time.Hour),
	}))

	_, err := svc.Refresh(ctx, raw)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))

	// The expired row was reaped, so a second attempt reads not-found
	// and stays unauthorized.
	_, err = svc.Refresh(ctx, raw)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))
}

func TestRefreshTokenStoredAsDigestOnly(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	_, err := svc.Register(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)
	pair, err := svc.Login(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)

	row, err := store.GetRefreshToken(ctx, hashToken(pair.RefreshToken))
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, row.TokenHash)
	assert.Len(t, row.TokenHash, 64) // hex sha-256
}

func TestVerifyProjectAccess(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()

	owner, err := svc.Register(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)
	_, err = svc.Register(ctx, "b@example.com", "P@ss1234!")
	require.NoError(t, err)

	project := &types.Project{
		ID:           types.NewID(),
		UserID:       owner.ID,
		Name:         "demo",
		Status:       types.StatusRunning,
		CreatedAt:    time.Now().UTC(),
		LastActiveAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateProject(ctx, project))

	ownerPair, err := svc.Login(ctx, "a@example.com", "P@ss1234!")
	require.NoError(t, err)
	strangerPair, err := svc.Login(ctx, "b@example.com", "P@ss1234!")
	require.NoError(t, err)

	got, err := svc.VerifyProjectAccess(ctx, ownerPair.AccessToken, project.ID)
	require.NoError(t, err)
	assert.Equal(t, owner.ID, got)

	// A successful attach resets the idle clock.
	stored, err := store.GetProject(ctx, project.ID, owner.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.LastConnectionAt)

	_, err = svc.VerifyProjectAccess(ctx, strangerPair.AccessToken, project.ID)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))

	_, err = svc.VerifyProjectAccess(ctx, "garbage", project.ID)
	assert.True(t, types.IsKind(err, types.KindUnauthorized))
}
