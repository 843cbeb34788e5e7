package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eloquent/ragchat/internal/auth"
	"github.com/eloquent/ragchat/store"
	"github.com/eloquent/ragchat/types"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	s, err := store.New(db, nil)
	require.NoError(t, err)
	return s
}

func newTestAuthenticator(t *testing.T) *auth.Authenticator {
	t.Helper()
	return auth.New(auth.Config{JWTSecret: "test-secret", SecureCookies: false}, nil)
}

// withAnonCookie 给请求加上匿名身份 cookie。
func withAnonCookie(r *http.Request, anonID string) *http.Request {
	r.AddCookie(&http.Cookie{Name: auth.AnonCookie, Value: anonID})
	return r
}

// withUserCookie 给请求加上已认证身份 cookie。
func withUserCookie(t *testing.T, r *http.Request, authn *auth.Authenticator, userID string) *http.Request {
	t.Helper()
	token, err := authn.CreateToken(userID)
	require.NoError(t, err)
	r.AddCookie(&http.Cookie{Name: auth.CookieName, Value: token})
	return r
}

func decodeErrorResponse(t *testing.T, body string) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	return resp
}

func TestWriteErrorStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        *types.Error
		wantStatus int
	}{
		{"validation defaults to 400", types.NewError(types.ErrValidation, "bad"), http.StatusBadRequest},
		{"unauthenticated maps to 401", types.NewError(types.ErrUnauthenticated, "who"), http.StatusUnauthorized},
		{"forbidden maps to 403", types.NewError(types.ErrForbidden, "no"), http.StatusForbidden},
		{"not found maps to 404", types.NewError(types.ErrNotFound, "gone"), http.StatusNotFound},
		{"provider unavailable maps to 503", types.NewError(types.ErrProviderUnavailable, "down"), http.StatusServiceUnavailable},
		{"upstream maps to 502", types.NewError(types.ErrUpstreamError, "bad gateway"), http.StatusBadGateway},
		{"unknown defaults to 500", types.NewError(types.ErrInternalError, "boom"), http.StatusInternalServerError},
		{"explicit status wins", types.NewError(types.ErrValidation, "dup").WithHTTPStatus(http.StatusConflict), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err, nil)

			assert.Equal(t, tt.wantStatus, rec.Code)
			resp := decodeErrorResponse(t, rec.Body.String())
			assert.Equal(t, string(tt.err.Code), resp.Error.Code)
			assert.Equal(t, tt.err.Message, resp.Error.Message)
		})
	}
}

func TestWriteAnyErrorWrapsPlainErrors(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteAnyError(rec, assert.AnError, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeErrorResponse(t, rec.Body.String())
	assert.Equal(t, string(types.ErrInternalError), resp.Error.Code)
	// 原始错误文本不回显给调用方。
	assert.NotContains(t, resp.Error.Message, assert.AnError.Error())
}

func TestDecodeJSONBody(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	t.Run("valid", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
		var p payload
		require.NoError(t, DecodeJSONBody(rec, req, &p, nil))
		assert.Equal(t, "x", p.Name)
	})

	t.Run("malformed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
		var p payload
		require.Error(t, DecodeJSONBody(rec, req, &p, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown field rejected", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"nope":1}`))
		var p payload
		require.Error(t, DecodeJSONBody(rec, req, &p, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
