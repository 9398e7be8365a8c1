package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitushen/netpresence/internal/models"
)

type staticUsers struct{}

func (staticUsers) Authenticate(_ context.Context, username, password string) (*models.User, error) {
	if username == "admin" && password == "secret" {
		return &models.User{ID: 7, Username: "admin"}, nil
	}
	return nil, errors.New("invalid credentials")
}

func newManager() *Manager {
	return NewManager(staticUsers{}, []byte("0123456789abcdef0123456789abcdef"))
}

func login(t *testing.T, m *Manager) []*http.Cookie {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	require.NoError(t, m.Authenticate(rec, req, "admin", "secret"))
	cookies := rec.Result().Cookies()
	require.NotEmpty(t, cookies)
	return cookies
}

func protected(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, name, ok := UserFromContext(r.Context())
		assert.True(t, ok)
		assert.Equal(t, int64(7), id)
		assert.Equal(t, "admin", name)
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestAuthenticateRejectsBadPassword(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	assert.Error(t, newManager().Authenticate(rec, req, "admin", "wrong"))
	assert.Empty(t, rec.Result().Cookies())
}

func TestMiddlewareAnonymous(t *testing.T) {
	h := newManager().Middleware(protected(t))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/devices", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorised"}`, rec.Body.String())
}

func TestMiddlewareWithSession(t *testing.T) {
	m := newManager()
	cookies := login(t, m)

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	m.Middleware(protected(t)).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestLogoutExpiresCookie(t *testing.T) {
	m := newManager()
	cookies := login(t, m)

	req := httptest.NewRequest(http.MethodPost, "/logout", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	require.NoError(t, m.Logout(rec, req))
	out := rec.Result().Cookies()
	require.NotEmpty(t, out)
	assert.Negative(t, out[0].MaxAge)
}
