package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/lobby-client/internal/httpapi"
)

func TestHTTPAPI_Login(t *testing.T) {
	var got Credentials
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/auth/login", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"a","refresh_token":"r","expires_in":900,"user":{"id":1,"username":"alice"}}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPAPI(srv.URL+"/", nil).Login(context.Background(), Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "a", resp.AccessToken)
	assert.Equal(t, int64(900), resp.ExpiresIn)
	assert.Equal(t, 1, resp.User.ID)
}

func TestHTTPAPI_ErrorMessages(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		call    func(*HTTPAPI) error
		wantMsg string
	}{
		{
			name:   "server message wins",
			status: http.StatusUnauthorized,
			body:   `{"code":"invalid_credentials","message":"invalid username or password"}`,
			call: func(a *HTTPAPI) error {
				_, err := a.Login(context.Background(), Credentials{})
				return err
			},
			wantMsg: "invalid username or password",
		},
		{
			name:   "login fallback",
			status: http.StatusInternalServerError,
			body:   `oops`,
			call: func(a *HTTPAPI) error {
				_, err := a.Login(context.Background(), Credentials{})
				return err
			},
			wantMsg: MsgLoginFailed,
		},
		{
			name:   "register fallback",
			status: http.StatusBadGateway,
			call: func(a *HTTPAPI) error {
				_, err := a.Register(context.Background(), Credentials{})
				return err
			},
			wantMsg: MsgRegisterFailed,
		},
		{
			name:   "refresh fallback",
			status: http.StatusUnauthorized,
			body:   `{"message":"  "}`,
			call: func(a *HTTPAPI) error {
				_, err := a.Refresh(context.Background(), "r")
				return err
			},
			wantMsg: MsgRefreshFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := tt.call(NewHTTPAPI(srv.URL, nil))
			require.Error(t, err)
			var apiErr *httpapi.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}
}

func TestHTTPAPI_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewHTTPAPI(url, nil).Login(context.Background(), Credentials{})
	require.Error(t, err)
	assert.Equal(t, MsgLoginFailed, err.Error())
}

func TestHTTPAPI_RefreshBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "r1", body["refresh_token"])
		_, _ = w.Write([]byte(`{"access_token":"a2","expires_in":60}`))
	}))
	defer srv.Close()

	resp, err := NewHTTPAPI(srv.URL, nil).Refresh(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", resp.AccessToken)
	assert.Empty(t, resp.RefreshToken)
	assert.Nil(t, resp.User)
}
