package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

var errNotReplayable = errors.New("request body cannot be replayed")

// Credentials is what the pipeline needs from the session owner: a token
// getter and the refresh and logout triggers. It never mutates the session.
type Credentials interface {
	AccessToken() string
	RefreshSession(ctx context.Context) bool
	// AwaitRefresh blocks while a refresh started elsewhere is in flight.
	AwaitRefresh(ctx context.Context) error
	Logout()
}

// Transport attaches the bearer credential and recovers from a single
// unauthorized response with one refresh and at most one retry.
type Transport struct {
	Base        http.RoundTripper
	Credentials Credentials
	Logger      *zap.Logger
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) logger() *zap.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return zap.NewNop()
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	used := t.Credentials.AccessToken()
	first, err := withBearer(req, used, false)
	if err != nil {
		return nil, err
	}
	resp, err := t.base().RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	log := t.logger().With(zap.String("method", req.Method), zap.String("path", req.URL.Path))
	if !t.refresh(req.Context(), used) {
		log.Warn("unauthorized and refresh failed, logging out")
		t.Credentials.Logout()
		return resp, nil
	}

	retry, err := withBearer(req, t.Credentials.AccessToken(), true)
	if err != nil {
		// body cannot be replayed; surface the original failure
		log.Debug("request not retryable", zap.Error(err))
		return resp, nil
	}
	drain(resp)

	log.Debug("retrying request with refreshed credential")
	resp, err = t.base().RoundTrip(retry)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		log.Warn("retried request still unauthorized, logging out")
		t.Credentials.Logout()
	}
	return resp, nil
}

// refresh reports whether a fresh credential is available. A refresh turned
// away because another one is in flight is waited out, and counts as success
// when it rotated the token.
func (t *Transport) refresh(ctx context.Context, used string) bool {
	if t.Credentials.RefreshSession(ctx) {
		return true
	}
	if err := t.Credentials.AwaitRefresh(ctx); err != nil {
		return false
	}
	token := t.Credentials.AccessToken()
	return token != "" && token != used
}

func withBearer(req *http.Request, token string, replay bool) (*http.Request, error) {
	out := req.Clone(req.Context())
	if replay && req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return nil, errNotReplayable
		}
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		out.Body = body
	}
	if token == "" {
		out.Header.Del("Authorization")
	} else {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
