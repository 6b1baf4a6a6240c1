// Package model holds the persistent entity types from the data model
// (spec §3): Service, User, ServiceAccess. These are plain value types;
// persistence lives in internal/repo.
package model

// Transport is the L4 transport a Service's proxy tunnels.
type Transport string

const (
	// TransportTCP tunnels a byte stream.
	TransportTCP Transport = "TCP"
	// TransportUDP tunnels length-preserving datagrams.
	TransportUDP Transport = "UDP"
)

// Service is a backend reachable only from the gateway. Identifier is the
// primary key; a repository Put replaces the whole record.
type Service struct {
	ServiceID uint64    `json:"serviceId"`
	Name      string    `json:"name"`
	Transport Transport `json:"transport"`
	Host      string    `json:"host"`
	Port      uint16    `json:"port"`
}

// UserStatus is the account status gating login.
type UserStatus string

const (
	// UserStatusActive users may log in and be authorized.
	UserStatusActive UserStatus = "Active"
	// UserStatusInactive users are refused CONNECT with 422; other
	// control-plane commands do not check the status.
	UserStatusInactive UserStatus = "Inactive"
)

// User is an identity bound to client certificates.
type User struct {
	UserID uint64     `json:"userId"`
	Name   string     `json:"name"`
	Status UserStatus `json:"status"`
}

// IsActive reports whether this user may log in.
func (u User) IsActive() bool { return u.Status == UserStatusActive }

// ServiceAccess is a pure relation; existence of a record is the grant.
type ServiceAccess struct {
	UserID    uint64 `json:"userId"`
	ServiceID uint64 `json:"serviceId"`
}

// ProxyAddrs is the tuple returned from "start a proxy for service S": the
// local port the client should connect application traffic to, and the
// gateway host/port the tunnel should target.
type ProxyAddrs struct {
	ClientPort  uint16
	GatewayHost string
	GatewayPort uint16
}
