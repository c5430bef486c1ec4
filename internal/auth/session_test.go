package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/modelprobe/internal/models"
)

var errBadPassword = errors.New("bad password")

type staticUsers struct{}

func (staticUsers) Authenticate(_ context.Context, username, password string) (*models.User, error) {
	if username == "admin" && password == "secret" {
		return &models.User{ID: 7, Username: "admin"}, nil
	}
	return nil, errBadPassword
}

func newTestManager() *Manager {
	return NewManager(staticUsers{}, []byte("0123456789abcdef0123456789abcdef"), false)
}

func TestLoginSetsSession(t *testing.T) {
	m := newTestManager()

	rec := httptest.NewRecorder()
	user, err := m.Login(rec, httptest.NewRequest(http.MethodPost, "/login", nil), "admin", "secret")
	require.NoError(t, err)
	assert.Equal(t, int64(7), user.ID)
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)

	req := httptest.NewRequest(http.MethodGet, "/api/endpoints", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	id, name, err := m.CurrentUser(req)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	assert.Equal(t, "admin", name)

	var seen int64
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = UserFromContext(r.Context())
	}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(7), seen)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	m := newTestManager()
	rec := httptest.NewRecorder()
	_, err := m.Login(rec, httptest.NewRequest(http.MethodPost, "/login", nil), "admin", "nope")
	assert.ErrorIs(t, err, errBadPassword)
	assert.Empty(t, rec.Result().Cookies())
}

func TestMiddlewareRejectsAnonymous(t *testing.T) {
	m := newTestManager()
	called := false
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/endpoints", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}
