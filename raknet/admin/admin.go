// Package admin serves an HTTP API for inspecting and administering a running listener,
// along with client subroutines for hitting it.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"os"
	"sync/atomic"
	"time"

	"github.com/AnotherlandServer/anotherland-sub012/raknet/banlist"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/listener"
	"github.com/AnotherlandServer/anotherland-sub012/raknet/session"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"github.com/rs/zerolog"
)

const (
	_API_NAME    string = "raknetd admin"
	_API_VERSION string = "1.0.0"
)

// Source is what the admin API reports on. *listener.Listener satisfies it.
type Source interface {
	Stats() listener.Stats
	Connections() []*session.Conn
	Bans() *banlist.List
}

// Server is the admin API for a single Source.
type Server struct {
	log  *zerolog.Logger
	src  Source
	addr netip.AddrPort

	running  atomic.Bool
	endpoint struct {
		api  huma.API
		mux  *http.ServeMux
		http *http.Server
		ln   net.Listener
	}
}

// Option function to set various options on the admin server.
type Option func(*Server)

// WithLogger replaces the server's default logger with the given logger.
func WithLogger(l *zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds an admin API over src, to be served at addr once Start is called.
func New(src Source, addr netip.AddrPort, opts ...Option) (*Server, error) {
	if src == nil {
		return nil, errors.New("admin source must not be nil")
	} else if !addr.IsValid() {
		return nil, listener.ErrBadAddr(addr)
	}
	s := &Server{src: src, addr: addr}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		l := zerolog.New(zerolog.ConsoleWriter{
			Out:         os.Stdout,
			FieldsOrder: []string{"sublogger"},
			TimeFormat:  "15:04:05",
		}).With().
			Str("sublogger", "admin").
			Timestamp().
			Caller().
			Logger().Level(zerolog.WarnLevel)
		s.log = &l
	}

	s.endpoint.mux = http.NewServeMux()
	s.endpoint.api = humago.New(s.endpoint.mux, huma.DefaultConfig(_API_NAME, _API_VERSION))
	s.buildEndpoints()
	return s, nil
}

// buildEndpoints registers every route on the server's API.
func (s *Server) buildEndpoints() {
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        EP_STATUS,
		Summary:     "Listener status and counters",
	}, s.handleStatus)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID: "list-connections",
		Method:      http.MethodGet,
		Path:        EP_CONNECTIONS,
		Summary:     "Every connection the listener holds",
	}, s.handleConnections)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID: "list-bans",
		Method:      http.MethodGet,
		Path:        EP_BANS,
		Summary:     "Live bans",
	}, s.handleBans)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID: "put-ban",
		Method:      http.MethodPut,
		Path:        EP_BAN,
		Summary:     "Ban an address",
	}, s.handleBan)
	huma.Register(s.endpoint.api, huma.Operation{
		OperationID:   "delete-ban",
		Method:        http.MethodDelete,
		Path:          EP_BAN,
		Summary:       "Lift a ban",
		DefaultStatus: http.StatusNoContent,
	}, s.handleUnban)
}

// Handler returns the HTTP handler serving the API, for embedding it elsewhere.
func (s *Server) Handler() http.Handler {
	return s.endpoint.mux
}

// Start begins serving the API.
// Ineffectual if already serving.
func (s *Server) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return nil
	}
	ln, err := net.Listen("tcp", s.addr.String())
	if err != nil {
		s.running.Store(false)
		return err
	}
	s.endpoint.ln = ln
	s.endpoint.http = &http.Server{Handler: s.endpoint.mux, ReadHeaderTimeout: 5 * time.Second}
	s.log.Info().Str("address", ln.Addr().String()).Msg("serving admin API")
	go func(srv *http.Server) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("admin API died")
		}
	}(s.endpoint.http)
	return nil
}

// Addr returns the address the API is served on; useful when started on port 0.
func (s *Server) Addr() netip.AddrPort {
	if s.running.Load() && s.endpoint.ln != nil {
		if ap, err := netip.ParseAddrPort(s.endpoint.ln.Addr().String()); err == nil {
			return ap
		}
	}
	return s.addr
}

// Stop shuts the API down, waiting up to ctx for in-flight requests.
// Ineffectual if not serving.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	err := s.endpoint.http.Shutdown(ctx)
	s.log.Info().AnErr("shutdown error", err).Msg("stopped admin API")
	return err
}

//#region handlers

func (s *Server) handleStatus(_ context.Context, _ *struct{}) (*StatusResp, error) {
	st := s.src.Stats()
	return &StatusResp{Body: StatusBody{
		Address:           st.Address.String(),
		Guid:              st.Guid.String(),
		Listening:         st.Listening,
		Connections:       st.Connections,
		Established:       st.Established,
		MaxConnections:    st.MaxConnections,
		DatagramsIn:       st.DatagramsIn,
		DatagramsOut:      st.DatagramsOut,
		BytesIn:           st.BytesIn,
		BytesOut:          st.BytesOut,
		Dropped:           st.Dropped,
		Rejected:          st.Rejected,
		HandshakeFailures: st.HandshakeFailures,
	}}, nil
}

func (s *Server) handleConnections(_ context.Context, _ *struct{}) (*ConnectionsResp, error) {
	resp := &ConnectionsResp{}
	resp.Body.Connections = []ConnectionInfo{}
	for _, c := range s.src.Connections() {
		st := c.Stats()
		resp.Body.Connections = append(resp.Body.Connections, ConnectionInfo{
			Address:          c.RemoteAddr().String(),
			Guid:             c.Guid().String(),
			State:            st.State.String(),
			RTTMillis:        float64(st.RTT) / float64(time.Millisecond),
			Resends:          st.Resends,
			PendingAcks:      st.PendingAcks,
			MessagesIn:       st.MessagesIn,
			MessagesOut:      st.MessagesOut,
			ChecksumFailures: st.ChecksumFailures,
			Dropped:          st.Dropped,
		})
	}
	return resp, nil
}

func banInfo(e banlist.Entry) BanInfo {
	return BanInfo{IP: e.IP.String(), Until: e.Until, Permanent: e.Permanent(), Reason: e.Reason}
}

func (s *Server) handleBans(_ context.Context, _ *struct{}) (*BansResp, error) {
	resp := &BansResp{}
	resp.Body.Bans = []BanInfo{}
	for _, e := range s.src.Bans().Entries() {
		resp.Body.Bans = append(resp.Body.Bans, banInfo(e))
	}
	return resp, nil
}

func (s *Server) handleBan(_ context.Context, req *BanReq) (*BanResp, error) {
	ip, err := netip.ParseAddr(req.IP)
	if err != nil {
		return nil, HErrBadIP(req.IP)
	}
	var d time.Duration
	if req.Body.Duration != "" {
		if d, err = time.ParseDuration(req.Body.Duration); err != nil || d < 0 {
			return nil, HErrBadDuration(req.Body.Duration)
		}
	}
	e, err := s.src.Bans().Ban(ip, d, req.Body.Reason)
	if err != nil {
		s.log.Error().Err(err).Str("ip", req.IP).Msg("failed to ban")
		return nil, huma.Error500InternalServerError("failed to ban "+req.IP, err)
	}
	s.log.Info().Str("ip", e.IP.String()).Dur("duration", d).Str("reason", e.Reason).Msg("banned address")
	return &BanResp{Body: banInfo(e)}, nil
}

func (s *Server) handleUnban(_ context.Context, req *UnbanReq) (*struct{}, error) {
	ip, err := netip.ParseAddr(req.IP)
	if err != nil {
		return nil, HErrBadIP(req.IP)
	}
	found, err := s.src.Bans().Unban(ip)
	if err != nil {
		s.log.Error().Err(err).Str("ip", req.IP).Msg("failed to unban")
		return nil, huma.Error500InternalServerError("failed to unban "+req.IP, err)
	} else if !found {
		return nil, huma.Error404NotFound(req.IP + " is not banned")
	}
	s.log.Info().Str("ip", ip.String()).Msg("lifted ban")
	return nil, nil
}

//#endregion handlers
