// Package wire implements the control-plane protocol (spec §4.6): a
// line-delimited (LF), UTF-8 request/response session multiplexed onto the
// T0CP ALPN connection. Each request is "COMMAND [args...]"; each response
// is a JSON object {code, message, data?} using the response-code catalog
// in internal/apperr.
package wire

import (
	"bufio"
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/trust0/trust0/internal/apperr"
	"github.com/trust0/trust0/internal/logging"
	"github.com/trust0/trust0/internal/metrics"
	"github.com/trust0/trust0/internal/model"
)

// Response is the JSON object sent back for every request.
type Response struct {
	Code    uint16      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ConnectData is the payload of a successful CONNECT response.
type ConnectData struct {
	ClientPort  uint16 `json:"clientPort"`
	GatewayHost string `json:"gatewayHost"`
	GatewayPort uint16 `json:"gatewayPort"`
}

// ProxyInfo is one entry in a PROXIES response.
type ProxyInfo struct {
	ServiceID uint64 `json:"serviceId"`
	ProxyKey  string `json:"proxyKey"`
}

// AboutData is the payload of an ABOUT response.
type AboutData struct {
	UserID      uint64 `json:"userId"`
	UserName    string `json:"userName"`
	Status      string `json:"status"`
	CertSubject string `json:"certSubject"`
}

// Deps is the narrow set of gateway operations the control plane needs.
// Implemented by the gateway service manager together with the repository
// layer; expressed as an interface to keep wire decoupled from gwservice
// and repo's concrete types.
type Deps interface {
	GetUser(userID uint64) (user *model.User, found bool, err error)
	HasAccess(userID, serviceID uint64) (bool, error)
	ServicesForUser(userID uint64) ([]model.Service, error)
	EnsureProxy(userID, serviceID uint64) (model.ProxyAddrs, error)
	ActiveProxies(userID uint64) ([]ProxyInfo, error)
	Logout(userID uint64) error
}

// Identity is the caller's authenticated identity, extracted once per
// session from the peer certificate before Run is invoked.
type Identity struct {
	UserID      uint64
	UserName    string
	CertSubject string
}

// Session runs one control-plane connection bound to an already-verified
// identity.
type Session struct {
	log      logging.Logger
	rw       io.ReadWriter
	identity Identity
	deps     Deps
}

// NewSession builds a Session. identity must already have been extracted
// from the peer certificate (the Auth420 check) before Run starts. The
// session does not check at start that the user exists or is active:
// CONNECT checks that on every call (421/422, then 403); PING, ABOUT,
// SERVICES, PROXIES and QUIT run without it.
func NewSession(log logging.Logger, rw io.ReadWriter, identity Identity, deps Deps) *Session {
	return &Session{log: log.Fork("ctrl:%d", identity.UserID), rw: rw, identity: identity, deps: deps}
}

// Run drains request lines until QUIT, EOF, or a read or write error. It
// returns nil on a clean QUIT/EOF, and the read or write error otherwise.
func (s *Session) Run() error {
	scanner := bufio.NewScanner(s.rw)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp, quit := s.handle(line)
		if err := s.writeResponse(resp); err != nil {
			return err
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

func (s *Session) writeResponse(resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return apperr.Wrap(apperr.KindGeneral, err, "failed encoding control-plane response")
	}
	_, err = s.rw.Write(append(body, '\n'))
	return err
}

func (s *Session) handle(line string) (resp Response, quit bool) {
	fields := strings.Fields(line)
	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "PING":
		return Response{Code: 200, Message: "pong"}, false

	case "ABOUT":
		return s.handleAbout(), false

	case "SERVICES":
		return s.handleServices(), false

	case "CONNECT":
		return s.handleConnect(args), false

	case "PROXIES":
		return s.handleProxies(), false

	case "QUIT":
		if err := s.deps.Logout(s.identity.UserID); err != nil {
			s.log.Errorf("logout cleanup failed: %s", err)
		}
		return Response{Code: 200, Message: "OK"}, true

	default:
		return errorResponse(apperr.Newf(apperr.KindRequest423, "unrecognized command: %q", cmd)), false
	}
}

// handleAbout reports the caller's identity, current account status (a
// fresh repo lookup, since status can change mid-session), and the
// certificate subject the connection authenticated with (SPEC_FULL §4.6).
func (s *Session) handleAbout() Response {
	status := "Unknown"
	if user, found, err := s.deps.GetUser(s.identity.UserID); err == nil && found {
		status = string(user.Status)
	}
	return Response{Code: 200, Data: AboutData{
		UserID:      s.identity.UserID,
		UserName:    s.identity.UserName,
		Status:      status,
		CertSubject: s.identity.CertSubject,
	}}
}

func (s *Session) handleServices() Response {
	services, err := s.deps.ServicesForUser(s.identity.UserID)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Code: 200, Data: services}
}

func (s *Session) handleConnect(args []string) Response {
	if len(args) != 1 {
		return errorResponse(apperr.New(apperr.KindRequest423, "CONNECT requires exactly one argument"))
	}
	serviceID, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return errorResponse(apperr.Wrapf(apperr.KindRequest423, err, "CONNECT: invalid service id %q", args[0]))
	}

	if authErr := s.authorize(serviceID); authErr != nil {
		return errorResponse(authErr)
	}

	addrs, err := s.deps.EnsureProxy(s.identity.UserID, serviceID)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Code: 200, Data: ConnectData{
		ClientPort:  addrs.ClientPort,
		GatewayHost: addrs.GatewayHost,
		GatewayPort: addrs.GatewayPort,
	}}
}

func (s *Session) handleProxies() Response {
	proxies, err := s.deps.ActiveProxies(s.identity.UserID)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Code: 200, Data: proxies}
}

// authorize implements the CONNECT authorization gate: user must exist, be
// Active, and hold (user_id, service_id) in the access repo.
func (s *Session) authorize(serviceID uint64) error {
	user, found, err := s.deps.GetUser(s.identity.UserID)
	if err != nil {
		return err
	}
	if !found {
		return apperr.Newf(apperr.KindAuth421, "unknown user: %d", s.identity.UserID)
	}
	if !user.IsActive() {
		return apperr.Newf(apperr.KindAuth422, "user account inactive: %d", s.identity.UserID)
	}

	granted, err := s.deps.HasAccess(s.identity.UserID, serviceID)
	if err != nil {
		return err
	}
	if !granted {
		return apperr.Newf(apperr.KindAuth403, "access denied: user=%d service=%d", s.identity.UserID, serviceID)
	}
	return nil
}

// errorResponse translates an error into a control-plane Response, using
// the stable catalog message/code for AppErrors and the generic system
// error code for anything else. Authorization-class codes (403/420-422)
// increment trust0_auth_denials_total (SPEC_FULL §4.11).
func errorResponse(err error) Response {
	if ae, ok := apperr.AsAppError(err); ok {
		code := ae.Code()
		if isAuthDenialCode(code) {
			metrics.AuthDenial(code)
		}
		return Response{Code: code, Message: ae.Message()}
	}
	return Response{Code: apperr.RespCodeSystemError, Message: apperr.RespMsgSystemError}
}

func isAuthDenialCode(code uint16) bool {
	switch code {
	case 403, 420, 421, 422:
		return true
	default:
		return false
	}
}
