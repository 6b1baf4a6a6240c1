package repo

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/model"
)

// UserRepository is the narrow query surface the core consumes for user
// lookups during login/authorization (spec §6).
type UserRepository interface {
	Connect(path string) error
	Get(userID uint64) (*model.User, bool, error)
	Put(u model.User) (*model.User, error)
	Delete(userID uint64) (*model.User, error)
	GetAll() ([]model.User, error)
}

// InMemUserRepo is an in-memory store seeded from a JSON array file.
type InMemUserRepo struct {
	mu    sync.RWMutex
	users map[uint64]model.User
}

// NewInMemUserRepo creates an empty user repository.
func NewInMemUserRepo() *InMemUserRepo {
	return &InMemUserRepo{users: make(map[uint64]model.User)}
}

type wireUser struct {
	UserID uint64
	Name   string
	Status model.UserStatus
}

func (w *wireUser) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if err := decodeField(obj, "userId", "user_id", &w.UserID); err != nil {
		return err
	}
	if err := decodeField(obj, "name", "name", &w.Name); err != nil {
		return err
	}
	if err := decodeField(obj, "status", "status", &w.Status); err != nil {
		return err
	}
	return nil
}

// Connect loads the backing JSON array file, replacing records by primary
// key (user_id).
func (r *InMemUserRepo) Connect(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrapf(apperr.KindIO, err, "failed to read file: path=%s", path)
	}
	var entries []wireUser
	if err := json.Unmarshal(data, &entries); err != nil {
		return apperr.Wrapf(apperr.KindConfig, err, "failed to parse JSON: path=%s", path)
	}
	for _, e := range entries {
		if _, err := r.Put(model.User{UserID: e.UserID, Name: e.Name, Status: e.Status}); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the user with the given id, if present.
func (r *InMemUserRepo) Get(userID uint64) (*model.User, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, false, nil
	}
	return &u, true, nil
}

// Put replaces the whole record for u.UserID.
func (r *InMemUserRepo) Put(u model.User) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.users[u.UserID]
	r.users[u.UserID] = u
	if had {
		return &prev, nil
	}
	return nil, nil
}

// Delete removes the record for userID, if present.
func (r *InMemUserRepo) Delete(userID uint64) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.users[userID]
	delete(r.users, userID)
	if had {
		return &prev, nil
	}
	return nil, nil
}

// GetAll returns every user record.
func (r *InMemUserRepo) GetAll() ([]model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out, nil
}
