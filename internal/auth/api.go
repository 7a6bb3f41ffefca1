package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/DoyleJ11/lobby-client/internal/httpapi"
	"github.com/DoyleJ11/lobby-client/internal/types"
)

const (
	MsgLoginFailed    = "login failed, please try again later"
	MsgRegisterFailed = "registration failed, please try again later"
	MsgRefreshFailed  = "session refresh failed"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is returned by login, register and refresh. Refresh responses
// carry no user and may omit the refresh token.
type TokenResponse struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token,omitempty"`
	ExpiresIn    int64        `json:"expires_in"`
	User         *UserPayload `json:"user,omitempty"`
}

type UserPayload struct {
	ID        int    `json:"id"`
	Username  string `json:"username"`
	CreatedAt string `json:"created_at,omitempty"`
}

func (u UserPayload) toUser() *types.User {
	return &types.User{ID: u.ID, Username: u.Username, CreatedAt: u.CreatedAt}
}

// API is the minimum auth backend: login.
type API interface {
	Login(ctx context.Context, c Credentials) (*TokenResponse, error)
}

// Refresher is implemented by backends that can exchange a refresh token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error)
}

// Registerer is implemented by backends with a register endpoint.
type Registerer interface {
	Register(ctx context.Context, c Credentials) (*TokenResponse, error)
}

// HTTPAPI talks to /api/auth/*. These endpoints are unauthenticated, so it
// does not go through the bearer pipeline.
type HTTPAPI struct {
	baseURL string
	http    *http.Client
}

func NewHTTPAPI(baseURL string, client *http.Client) *HTTPAPI {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPAPI{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

func (a *HTTPAPI) Login(ctx context.Context, c Credentials) (*TokenResponse, error) {
	return a.post(ctx, "/api/auth/login", c, MsgLoginFailed)
}

func (a *HTTPAPI) Register(ctx context.Context, c Credentials) (*TokenResponse, error) {
	return a.post(ctx, "/api/auth/register", c, MsgRegisterFailed)
}

func (a *HTTPAPI) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	body := struct {
		RefreshToken string `json:"refresh_token"`
	}{refreshToken}
	return a.post(ctx, "/api/auth/refresh", body, MsgRefreshFailed)
}

func (a *HTTPAPI) post(ctx context.Context, path string, in any, fallback string) (*TokenResponse, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, httpapi.TransportError(err, fallback)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, httpapi.DecodeError(resp, fallback)
	}
	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &httpapi.APIError{Status: resp.StatusCode, Message: fallback, Err: err}
	}
	return &out, nil
}
