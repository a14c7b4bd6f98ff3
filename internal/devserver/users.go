package devserver

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrEmailTaken = errors.New("email already registered")

// User is a registered development account. Accounts live for the lifetime
// of the gateway process.
type User struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// UserStore is an in-memory user registry.
type UserStore struct {
	mu      sync.RWMutex
	byEmail map[string]*User
}

// NewUserStore creates an empty store.
func NewUserStore() *UserStore {
	return &UserStore{byEmail: make(map[string]*User)}
}

// Create registers a new user.
func (s *UserStore) Create(email, displayName, passwordHash string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byEmail[email]; exists {
		return nil, ErrEmailTaken
	}

	user := &User{
		ID:           uuid.New(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	s.byEmail[email] = user
	return user, nil
}

// FindByEmail looks a user up by email.
func (s *UserStore) FindByEmail(email string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byEmail[email]
	return user, ok
}
