package mockserver

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/DoyleJ11/lobby-client/internal/types"
)

var (
	errUsernameTaken      = errors.New("username already exists")
	errInvalidCredentials = errors.New("invalid username or password")
	errInvalidUsername    = errors.New("username must be 1 to 32 characters")
)

type account struct {
	user types.User
	hash []byte
}

type userStore struct {
	mu     sync.RWMutex
	byName map[string]*account
	byID   map[int]*account
	nextID int
	cost   int
	now    func() time.Time
}

func newUserStore(cost int, now func() time.Time) *userStore {
	return &userStore{
		byName: make(map[string]*account),
		byID:   make(map[int]*account),
		nextID: 1,
		cost:   cost,
		now:    now,
	}
}

func normalizeUsername(raw string) (string, error) {
	name := norm.NFC.String(strings.TrimSpace(raw))
	if n := utf8.RuneCountInString(name); n == 0 || n > 32 {
		return "", errInvalidUsername
	}
	return name, nil
}

func (s *userStore) create(username, password string) (types.User, error) {
	name, err := normalizeUsername(username)
	if err != nil {
		return types.User{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cost)
	if err != nil {
		return types.User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[name]; ok {
		return types.User{}, errUsernameTaken
	}
	acc := &account{
		user: types.User{
			ID:        s.nextID,
			Username:  name,
			CreatedAt: s.now().UTC().Format(time.RFC3339),
		},
		hash: hash,
	}
	s.nextID++
	s.byName[name] = acc
	s.byID[acc.user.ID] = acc
	return acc.user, nil
}

func (s *userStore) authenticate(username, password string) (types.User, error) {
	name, err := normalizeUsername(username)
	if err != nil {
		return types.User{}, errInvalidCredentials
	}
	s.mu.RLock()
	acc, ok := s.byName[name]
	s.mu.RUnlock()
	if !ok {
		return types.User{}, errInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return types.User{}, errInvalidCredentials
	}
	return acc.user, nil
}

func (s *userStore) get(id int) (types.User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.byID[id]
	if !ok {
		return types.User{}, false
	}
	return acc.user, true
}
