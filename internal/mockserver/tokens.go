package mockserver

import (
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	errTokenInvalid = errors.New("invalid token")
	errTokenExpired = errors.New("token has expired")
	errRefreshUsed  = errors.New("refresh token rejected")
)

type accessClaims struct {
	// Gen is compared with the server's current generation so tests can
	// invalidate every outstanding access token at once.
	Gen int64 `json:"gen"`
	jwt.RegisteredClaims
}

type refreshRecord struct {
	userID  int
	expires time.Time
}

// tokenIssuer signs HS256 access tokens and keeps rotating refresh tokens.
type tokenIssuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	gen        atomic.Int64

	mu      sync.Mutex
	refresh map[string]refreshRecord
}

func newTokenIssuer(secret string, accessTTL, refreshTTL time.Duration, now func() time.Time) *tokenIssuer {
	return &tokenIssuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        now,
		refresh:    make(map[string]refreshRecord),
	}
}

func (t *tokenIssuer) issueAccess(userID int) (string, error) {
	now := t.now()
	claims := accessClaims{
		Gen: t.gen.Load(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.Itoa(userID),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// verifyAccess returns the user id and expiry of a valid access token.
func (t *tokenIssuer) verifyAccess(token string) (int, time.Time, error) {
	if token == "" {
		return 0, time.Time{}, errTokenInvalid
	}
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return 0, time.Time{}, errTokenExpired
		}
		return 0, time.Time{}, errTokenInvalid
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || !parsed.Valid || claims.Gen != t.gen.Load() {
		return 0, time.Time{}, errTokenInvalid
	}
	id, err := strconv.Atoi(claims.Subject)
	if err != nil {
		return 0, time.Time{}, errTokenInvalid
	}
	return id, claims.ExpiresAt.Time, nil
}

// invalidateAccess rejects every access token issued so far.
func (t *tokenIssuer) invalidateAccess() { t.gen.Add(1) }

// issueRefresh creates a refresh token. revokeExisting drops the user's
// other refresh tokens, as login does.
func (t *tokenIssuer) issueRefresh(userID int, revokeExisting bool) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if revokeExisting {
		for tok, rec := range t.refresh {
			if rec.userID == userID {
				delete(t.refresh, tok)
			}
		}
	}
	tok := uuid.NewString()
	t.refresh[tok] = refreshRecord{userID: userID, expires: t.now().Add(t.refreshTTL)}
	return tok
}

// rotate consumes a refresh token and returns its owner and a replacement.
func (t *tokenIssuer) rotate(token string) (int, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.refresh[token]
	delete(t.refresh, token)
	if !ok || !t.now().Before(rec.expires) {
		return 0, "", errRefreshUsed
	}
	next := uuid.NewString()
	t.refresh[next] = refreshRecord{userID: rec.userID, expires: t.now().Add(t.refreshTTL)}
	return rec.userID, next, nil
}

func (t *tokenIssuer) revoke(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.refresh, token)
}
