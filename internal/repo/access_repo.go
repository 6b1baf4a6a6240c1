package repo

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/model"
)

// accessKey is the composite primary key (user_id, service_id).
type accessKey struct {
	UserID    uint64
	ServiceID uint64
}

// AccessRepository is the narrow query surface the core consumes for
// authorization checks (spec §6); existence of a record is the grant.
type AccessRepository interface {
	Connect(path string) error
	Get(userID, serviceID uint64) (*model.ServiceAccess, bool, error)
	Put(a model.ServiceAccess) (*model.ServiceAccess, error)
	Delete(userID, serviceID uint64) (*model.ServiceAccess, error)
	GetAllForUser(userID uint64) ([]model.ServiceAccess, error)
}

// InMemAccessRepo is an in-memory store seeded from a JSON array file,
// matching original_source/crates/gateway/src/repository/access_repo/in_memory_repo.rs.
type InMemAccessRepo struct {
	mu      sync.RWMutex
	records map[accessKey]model.ServiceAccess
}

// NewInMemAccessRepo creates an empty access repository.
func NewInMemAccessRepo() *InMemAccessRepo {
	return &InMemAccessRepo{records: make(map[accessKey]model.ServiceAccess)}
}

type wireAccess struct {
	UserID    uint64
	ServiceID uint64
}

func (w *wireAccess) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if err := decodeField(obj, "userId", "user_id", &w.UserID); err != nil {
		return err
	}
	if err := decodeField(obj, "serviceId", "service_id", &w.ServiceID); err != nil {
		return err
	}
	return nil
}

// Connect loads the backing JSON array file, replacing records by (user_id, service_id).
func (r *InMemAccessRepo) Connect(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrapf(apperr.KindIO, err, "failed to read file: path=%s", path)
	}
	var entries []wireAccess
	if err := json.Unmarshal(data, &entries); err != nil {
		return apperr.Wrapf(apperr.KindConfig, err, "failed to parse JSON: path=%s", path)
	}
	for _, e := range entries {
		if _, err := r.Put(model.ServiceAccess{UserID: e.UserID, ServiceID: e.ServiceID}); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the access grant for (userID, serviceID), if present.
func (r *InMemAccessRepo) Get(userID, serviceID uint64) (*model.ServiceAccess, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.records[accessKey{userID, serviceID}]
	if !ok {
		return nil, false, nil
	}
	return &a, true, nil
}

// Put inserts/replaces the access grant.
func (r *InMemAccessRepo) Put(a model.ServiceAccess) (*model.ServiceAccess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := accessKey{a.UserID, a.ServiceID}
	prev, had := r.records[key]
	r.records[key] = a
	if had {
		return &prev, nil
	}
	return nil, nil
}

// Delete removes the access grant for (userID, serviceID), if present.
func (r *InMemAccessRepo) Delete(userID, serviceID uint64) (*model.ServiceAccess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := accessKey{userID, serviceID}
	prev, had := r.records[key]
	delete(r.records, key)
	if had {
		return &prev, nil
	}
	return nil, nil
}

// GetAllForUser returns every access grant for the given user.
func (r *InMemAccessRepo) GetAllForUser(userID uint64) ([]model.ServiceAccess, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.ServiceAccess
	for k, a := range r.records {
		if k.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}
