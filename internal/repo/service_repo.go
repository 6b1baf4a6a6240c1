// Package repo implements the three JSON-file-backed repositories named as
// external collaborators in spec §1/§6: access, service, and user. The
// core only ever talks to the narrow ServiceRepository/UserRepository/
// AccessRepository interfaces (grounded on
// original_source/crates/gateway/src/repository/*), never the file format
// directly.
package repo

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/model"
)

// ServiceRepository is the narrow query surface the core consumes for
// service lookups (spec §6).
type ServiceRepository interface {
	Connect(path string) error
	Get(serviceID uint64) (*model.Service, bool, error)
	Put(svc model.Service) (*model.Service, error)
	Delete(serviceID uint64) (*model.Service, error)
	GetAll() ([]model.Service, error)
}

// InMemServiceRepo is an in-memory store seeded from (and keeping no live
// link back to) a JSON array file, matching
// original_source/crates/gateway/src/repository/service_repo/in_memory_repo.rs.
type InMemServiceRepo struct {
	mu       sync.RWMutex
	services map[uint64]model.Service
}

// NewInMemServiceRepo creates an empty service repository.
func NewInMemServiceRepo() *InMemServiceRepo {
	return &InMemServiceRepo{services: make(map[uint64]model.Service)}
}

type wireService struct {
	ServiceID uint64
	Name      string
	Transport model.Transport
	Host      string
	Port      uint16
}

func (w *wireService) UnmarshalJSON(data []byte) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	if err := decodeField(obj, "serviceId", "service_id", &w.ServiceID); err != nil {
		return err
	}
	if err := decodeField(obj, "name", "name", &w.Name); err != nil {
		return err
	}
	if err := decodeField(obj, "transport", "transport", &w.Transport); err != nil {
		return err
	}
	if err := decodeField(obj, "host", "host", &w.Host); err != nil {
		return err
	}
	if err := decodeField(obj, "port", "port", &w.Port); err != nil {
		return err
	}
	return nil
}

// Connect loads the backing JSON array file, replacing records by primary
// key (service_id) via Put, matching the Rust reference's connect_to_datasource.
func (r *InMemServiceRepo) Connect(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return apperr.Wrapf(apperr.KindIO, err, "failed to read file: path=%s", path)
	}
	var entries []wireService
	if err := json.Unmarshal(data, &entries); err != nil {
		return apperr.Wrapf(apperr.KindConfig, err, "failed to parse JSON: path=%s", path)
	}
	for _, e := range entries {
		if _, err := r.Put(model.Service{
			ServiceID: e.ServiceID,
			Name:      e.Name,
			Transport: e.Transport,
			Host:      e.Host,
			Port:      e.Port,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the service with the given id, if present.
func (r *InMemServiceRepo) Get(serviceID uint64) (*model.Service, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[serviceID]
	if !ok {
		return nil, false, nil
	}
	return &svc, true, nil
}

// Put replaces the whole record for svc.ServiceID.
func (r *InMemServiceRepo) Put(svc model.Service) (*model.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.services[svc.ServiceID]
	r.services[svc.ServiceID] = svc
	if had {
		return &prev, nil
	}
	return nil, nil
}

// Delete removes the record for serviceID, if present.
func (r *InMemServiceRepo) Delete(serviceID uint64) (*model.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, had := r.services[serviceID]
	delete(r.services, serviceID)
	if had {
		return &prev, nil
	}
	return nil, nil
}

// GetAll returns every service record.
func (r *InMemServiceRepo) GetAll() ([]model.Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Service, 0, len(r.services))
	for _, svc := range r.services {
		out = append(out, svc)
	}
	return out, nil
}
