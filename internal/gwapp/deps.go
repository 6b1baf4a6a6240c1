// Package gwapp wires the gateway's repositories and service manager into
// the wire.Deps contract the control-plane session needs, and owns the
// top-level accept loop that hands each handshaked connection to the ALPN
// dispatcher. It is the composition root cmd/gateway's main.go calls into.
package gwapp

import (
	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/gwservice"
	"github.com/trust0/trust0/internal/model"
	"github.com/trust0/trust0/internal/repo"
	"github.com/trust0/trust0/internal/wire"
)

// Deps implements wire.Deps over the repository layer and the gateway
// service manager.
type Deps struct {
	Users    repo.UserRepository
	Access   repo.AccessRepository
	Services repo.ServiceRepository
	Manager  *gwservice.Manager
}

var _ wire.Deps = (*Deps)(nil)

func (d *Deps) GetUser(userID uint64) (*model.User, bool, error) {
	return d.Users.Get(userID)
}

func (d *Deps) HasAccess(userID, serviceID uint64) (bool, error) {
	_, found, err := d.Access.Get(userID, serviceID)
	return found, err
}

func (d *Deps) ServicesForUser(userID uint64) ([]model.Service, error) {
	grants, err := d.Access.GetAllForUser(userID)
	if err != nil {
		return nil, err
	}
	services := make([]model.Service, 0, len(grants))
	for _, g := range grants {
		svc, found, err := d.Services.Get(g.ServiceID)
		if err != nil {
			return nil, err
		}
		if found {
			services = append(services, *svc)
		}
	}
	return services, nil
}

// EnsureProxy starts (idempotently) the gateway-side listener for
// serviceID and reports where the client should point its tunnel.
func (d *Deps) EnsureProxy(userID, serviceID uint64) (model.ProxyAddrs, error) {
	svc, found, err := d.Services.Get(serviceID)
	if err != nil {
		return model.ProxyAddrs{}, err
	}
	if !found {
		return model.ProxyAddrs{}, apperr.Newf(apperr.KindRequest423, "unknown service: %d", serviceID)
	}
	host, port, err := d.Manager.Startup(*svc)
	if err != nil {
		return model.ProxyAddrs{}, err
	}
	return model.ProxyAddrs{GatewayHost: host, GatewayPort: port}, nil
}

// ActiveProxies lists userID's live gateway-side tunnels across every
// service the repository knows about.
func (d *Deps) ActiveProxies(userID uint64) ([]wire.ProxyInfo, error) {
	all, err := d.Services.GetAll()
	if err != nil {
		return nil, err
	}
	var proxies []wire.ProxyInfo
	for _, svc := range all {
		if d.Manager.HasProxyForUserAndService(userID, svc.ServiceID) {
			proxies = append(proxies, wire.ProxyInfo{ServiceID: svc.ServiceID})
		}
	}
	return proxies, nil
}

// Logout tears down every tunnel userID holds across all services.
func (d *Deps) Logout(userID uint64) error {
	return d.Manager.ShutdownConnections(&userID, nil)
}
