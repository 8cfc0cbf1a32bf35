// Provides the WebSocket session server: upgrade, registries, duplicate resolution and health sweeps
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	conf "sw/ocpp/gateway/internal/config"
	"sw/ocpp/gateway/internal/connection"
	"sw/ocpp/gateway/internal/helpers"
	"sw/ocpp/gateway/internal/logging"
	"sw/ocpp/gateway/internal/mq"
	"sw/ocpp/gateway/internal/ocpp"
	"sw/ocpp/gateway/internal/session"
	"sw/ocpp/gateway/internal/telemetry"

	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v3"
	log "github.com/sirupsen/logrus"
)

// Close reasons sent to peers and published on the Notify channel
const (
	ReasonSuperseded   = "superseded"
	ReasonUnresponsive = "unresponsive"
	ReasonShutdown     = "shutdown"
	ReasonLockTimeout  = "open lock timeout"
	ReasonAuthFailed   = "identity validation failed"
	ReasonClientClosed = "client closed"
)

var ErrOpenLockTimeout = errors.New("timed out waiting for url lock")

type Config struct {
	StationRoute         string
	StationProtocols     []string
	BridgeRoute          string
	BridgeProtocol       string
	AllowLegacyURL       bool
	CallTimeout          time.Duration
	PingInterval         time.Duration
	PingWait             time.Duration
	PingFailureThreshold int32
	OpenLockTimeout      time.Duration
	MaxMessageSize       int64
}

func ConfigFrom(c conf.CsmsServerConfig) Config {
	return Config{
		StationRoute:         c.StationRoute,
		StationProtocols:     c.StationProtocols,
		BridgeRoute:          c.BridgeRoute,
		BridgeProtocol:       c.BridgeProtocol,
		AllowLegacyURL:       true,
		CallTimeout:          c.CallTimeout(),
		PingInterval:         c.PingInterval(),
		PingWait:             c.PingWait(),
		PingFailureThreshold: int32(c.PingFailureThreshold),
		OpenLockTimeout:      c.OpenLockTimeout(),
		MaxMessageSize:       c.MaxMessageSize,
	}
}

func (c Config) withDefaults() Config {
	if c.StationRoute == "" {
		c.StationRoute = "OCPP16"
	}
	if len(c.StationProtocols) == 0 {
		c.StationProtocols = []string{"ocpp1.6"}
	}
	if c.BridgeRoute == "" {
		c.BridgeRoute = "REST"
	}
	if c.BridgeProtocol == "" {
		c.BridgeProtocol = "rest"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PingWait <= 0 {
		c.PingWait = 2 * time.Second
	}
	if c.PingFailureThreshold <= 0 {
		c.PingFailureThreshold = 3
	}
	if c.OpenLockTimeout <= 0 {
		c.OpenLockTimeout = 10 * time.Second
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 65536
	}
	return c
}

// Deps are the collaborators a Server hands to the sessions it creates.
type Deps struct {
	StationValidator session.IdentityValidator
	BridgeValidator  session.IdentityValidator
	LastSeen         session.LastSeenRecorder
	Handler          session.RequestHandler
	Notifier         *mq.Notifier
}

// Server owns the station and bridge registries. Sessions never touch them.
type Server struct {
	// Upgrader specifies the parameters for upgrading an incoming HTTP
	// connection to a WebSocket connection.
	Upgrader *websocket.Upgrader

	cfg      Config
	deps     Deps
	stations *xsync.MapOf[string, *session.Session]
	bridges  *xsync.MapOf[string, *session.Session]
	urlLocks *xsync.MapOf[string, chan struct{}]
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func New(cfg Config, deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		Upgrader: &websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cfg:      cfg.withDefaults(),
		deps:     deps,
		stations: xsync.NewMapOf[string, *session.Session](),
		bridges:  xsync.NewMapOf[string, *session.Session](),
		urlLocks: xsync.NewMapOf[string, chan struct{}](),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *Server) registry(kind session.Kind) *xsync.MapOf[string, *session.Session] {
	if kind == session.KindBridge {
		return s.bridges
	}
	return s.stations
}

// StationCount and BridgeCount report registry sizes.
func (s *Server) StationCount() int { return s.stations.Size() }
func (s *Server) BridgeCount() int  { return s.bridges.Size() }

// LookupStationSession returns the live station session for a bridge call.
func (s *Server) LookupStationSession(tenant string, stationID string) (*session.Session, error) {
	key := session.Key(tenant, stationID)
	sess, ok := s.stations.Load(key)
	if !ok || !sess.IsActive() {
		return nil, fmt.Errorf("%w: %s", ocpp.ErrNotConnected, key)
	}
	return sess, nil
}

// route classifies a request path; it returns the session kind and the protocols it may declare.
func (s *Server) route(id session.Identity) (session.Kind, []string, bool) {
	switch id.Route {
	case s.cfg.StationRoute:
		return session.KindStation, s.cfg.StationProtocols, true
	case s.cfg.BridgeRoute:
		return session.KindBridge, []string{s.cfg.BridgeProtocol}, true
	}
	return 0, nil, false
}

func selectProtocol(req *http.Request, allowed []string) (string, bool) {
	for _, p := range websocket.Subprotocols(req) {
		if slices.Contains(allowed, p) {
			return p, true
		}
	}
	return "", false
}

func (s *Server) reject(rw http.ResponseWriter, req *http.Request, start time.Time, code int, err error) {
	logging.Logger.Warnf("%s : websocket: rejected %s: %s", req.RemoteAddr, req.URL.Path, err)
	telemetry.TrackConnectionRequest(req.URL.Path, req.RemoteAddr, code, time.Since(start))
	http.Error(rw, http.StatusText(code), code)
}

// ServeHTTP upgrades a station or bridge connection and runs its session until the socket closes.
func (s *Server) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	start := helpers.Now()
	logging.Logger.Debug("Client connected to : ", req.Host, " path:", req.URL.Path, ", client: ", req.RemoteAddr)

	// the legacy form is only meaningful on the station route
	id, err := session.ParseURL(req.URL.Path, s.cfg.AllowLegacyURL)
	if err != nil {
		s.reject(rw, req, start, http.StatusNotFound, err)
		return
	}
	kind, protocols, ok := s.route(id)
	if !ok {
		s.reject(rw, req, start, http.StatusNotFound, fmt.Errorf("%w: unknown route %s", ocpp.ErrMalformedURL, id.Route))
		return
	}
	if kind == session.KindBridge && id.Token == "" {
		s.reject(rw, req, start, http.StatusNotFound, fmt.Errorf("%w: bridge route requires a token", ocpp.ErrMalformedURL))
		return
	}
	protocol, ok := selectProtocol(req, protocols)
	if !ok {
		s.reject(rw, req, start, http.StatusBadRequest, fmt.Errorf("%w: %v", ocpp.ErrUnsupportedProtocol, websocket.Subprotocols(req)))
		return
	}

	upgradeHeader := http.Header{}
	upgradeHeader.Set("Sec-Websocket-Protocol", protocol)
	ws, err := s.Upgrader.Upgrade(rw, req, upgradeHeader)
	if err != nil {
		logging.Logger.Errorf("%s : websocket: couldn't upgrade %s", req.RemoteAddr, err)
		return
	}
	telemetry.TrackConnectionRequest(req.URL.Path, req.RemoteAddr, http.StatusSwitchingProtocols, time.Since(start))

	conn := connection.New(ws, req)
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	sess, err := s.open(conn, kind, id)
	if err != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.readLoop(conn, sess)
}

// open serializes session creation per URL, initializes the session and registers it.
func (s *Server) open(conn *connection.Connection, kind session.Kind, id session.Identity) (*session.Session, error) {
	release, err := s.lockURL(s.ctx, conn.URL())
	if err != nil {
		logging.ForStation(id.Tenant, id.StationID, "").Warnf("%s : %s", conn.RemoteAddr(), err)
		_ = conn.Close(connection.CloseTryAgainLater, ReasonLockTimeout)
		return nil, err
	}
	defer release()

	sess := s.newSession(conn, kind, id)
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.OpenLockTimeout)
	defer cancel()
	if err := sess.Initialize(ctx); err != nil {
		sess.Log().Warnf("%s : %s", conn.RemoteAddr(), err)
		telemetry.TrackAuthenticationEvent(id.Tenant, id.StationID, conn.RemoteAddr(), "401")
		_ = sess.Close(connection.ClosePolicyViolation, ReasonAuthFailed)
		return nil, err
	}
	telemetry.TrackAuthenticationEvent(id.Tenant, id.StationID, conn.RemoteAddr(), "200")

	s.register(sess)
	sess.Log().Infof("%s : %s session connected, protocol %s", conn.RemoteAddr(), kind, conn.Protocol())
	s.deps.Notifier.ClientConnected(sess.Key(), kind.String(), conn.RemoteAddr())
	return sess, nil
}

func (s *Server) newSession(conn session.Conn, kind session.Kind, id session.Identity) *session.Session {
	opts := session.Options{
		CallTimeout: s.cfg.CallTimeout,
		Observer:    s.observer(kind),
	}
	if kind == session.KindBridge {
		opts.Validator = s.deps.BridgeValidator
		opts.Handler = session.NewForwarder(s)
		return session.NewBridgeSession(conn, id, opts)
	}
	opts.Validator = s.deps.StationValidator
	opts.LastSeen = s.deps.LastSeen
	opts.Handler = s.deps.Handler
	return session.NewStationSession(conn, id, opts)
}

func (s *Server) observer(kind session.Kind) session.FrameObserver {
	if s.deps.Notifier == nil {
		return nil
	}
	kindName := kind.String()
	return func(id session.Identity, direction string, data []byte) {
		s.deps.Notifier.Frame(id.Key(), kindName, direction, data)
	}
}

// lockURL waits until no other open is in progress for url. The returned func releases it.
func (s *Server) lockURL(ctx context.Context, url string) (func(), error) {
	timer := time.NewTimer(s.cfg.OpenLockTimeout)
	defer timer.Stop()

	for {
		mine := make(chan struct{})
		held, loaded := s.urlLocks.LoadOrStore(url, mine)
		if !loaded {
			return func() {
				s.urlLocks.Delete(url)
				close(mine)
			}, nil
		}
		select {
		case <-held:
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s", ErrOpenLockTimeout, url)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// register stores sess; a previous session for the same identity is resolved as a duplicate.
func (s *Server) register(sess *session.Session) {
	previous, loaded := s.registry(sess.Kind()).LoadAndStore(sess.Key(), sess)
	if loaded && previous.Conn().GUID() != sess.Conn().GUID() {
		s.supersede(previous)
	}
}

// supersede closes a session replaced in the registry, reporting whether it still answered pings.
func (s *Server) supersede(previous *session.Session) {
	reason := ReasonSuperseded
	if err := previous.Ping(s.ctx, s.cfg.PingWait); err != nil {
		reason = ReasonUnresponsive
	}
	previous.Log().Warnf("%s : closing previous session: %s", previous.Conn().RemoteAddr(), reason)
	_ = previous.Close(connection.CloseGoingAway, reason)

	id := previous.Identity()
	s.deps.Notifier.ClientSuperseded(previous.Key(), previous.Kind().String(), previous.Conn().RemoteAddr(), reason)
	telemetry.TrackSessionClosed(id.Tenant, id.StationID, previous.Kind().String(), reason)
}

// checkRegistered makes sure sess is the registered session for its identity before a frame is handled.
func (s *Server) checkRegistered(sess *session.Session) {
	reg := s.registry(sess.Kind())
	current, loaded := reg.LoadOrStore(sess.Key(), sess)
	if !loaded {
		sess.Log().Warn("message from unregistered session, registering")
		return
	}
	if current.Conn().GUID() == sess.Conn().GUID() {
		return
	}

	// two live connections for one identity: the registered one keeps the slot while it answers pings
	sess.Log().Warnf("duplicate connection %s, registered %s", sess.Conn().GUID(), current.Conn().GUID())
	if err := current.Ping(s.ctx, s.cfg.PingWait); err == nil {
		s.deps.Notifier.ClientSuperseded(sess.Key(), sess.Kind().String(), sess.Conn().RemoteAddr(), ReasonSuperseded)
		_ = sess.Close(connection.CloseGoingAway, ReasonSuperseded)
		return
	}
	if _, swapped := s.replaceIf(reg, sess.Key(), current, sess); swapped {
		s.deps.Notifier.ClientSuperseded(current.Key(), current.Kind().String(), current.Conn().RemoteAddr(), ReasonUnresponsive)
		_ = current.Close(connection.CloseGoingAway, ReasonUnresponsive)
	}
}

// replaceIf swaps old for next only while old is still the registered entry.
func (s *Server) replaceIf(reg *xsync.MapOf[string, *session.Session], key string, old *session.Session, next *session.Session) (*session.Session, bool) {
	swapped := false
	actual, _ := reg.Compute(key, func(cur *session.Session, loaded bool) (*session.Session, bool) {
		if loaded && cur.Conn().GUID() != old.Conn().GUID() {
			return cur, false
		}
		swapped = true
		return next, false
	})
	return actual, swapped
}

// unregister removes sess only while the registry still points at its connection.
func (s *Server) unregister(sess *session.Session) bool {
	removed := false
	guid := sess.Conn().GUID()
	s.registry(sess.Kind()).Compute(sess.Key(), func(cur *session.Session, loaded bool) (*session.Session, bool) {
		if loaded && cur.Conn().GUID() == guid {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	return removed
}

func (s *Server) readLoop(conn *connection.Connection, sess *session.Session) {
	reason := ReasonClientClosed
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Text != "" {
				reason = closeErr.Text
			}
			if !conn.IsClosed() {
				sess.Log().Infof("%s : client disconnected(read): %s", conn.RemoteAddr(), err)
			}
			break
		}
		if sess.State() == session.StateClosed {
			break
		}

		s.checkRegistered(sess)
		if err := sess.HandleMessage(s.ctx, data); err != nil {
			sess.Log().Warnf("%s : Error: %s", conn.RemoteAddr(), err)
			break
		}
	}
	s.closeSession(sess, connection.CloseNormal, reason)
}

// closeSession closes sess and drops it from its registry unless a newer session replaced it.
func (s *Server) closeSession(sess *session.Session, code int, reason string) {
	_ = sess.Close(code, reason)
	if !s.unregister(sess) {
		return
	}
	id := sess.Identity()
	sess.Log().Infof("%s : session closed: %s", sess.Conn().RemoteAddr(), reason)
	s.deps.Notifier.ClientDisconnected(sess.Key(), sess.Kind().String(), sess.Conn().RemoteAddr(), reason)
	telemetry.TrackSessionClosed(id.Tenant, id.StationID, sess.Kind().String(), reason)
}

// Run sweeps all sessions every PingInterval until ctx is done.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep pings every live session concurrently and evicts those past the failure threshold.
func (s *Server) Sweep(ctx context.Context) {
	var sessions []*session.Session
	collect := func(_ string, sess *session.Session) bool {
		sessions = append(sessions, sess)
		return true
	}
	s.stations.Range(collect)
	s.bridges.Range(collect)

	var wg sync.WaitGroup
	evicted := xsync.NewCounter()
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			if s.pingSession(ctx, sess) {
				evicted.Inc()
			}
		}(sess)
	}
	wg.Wait()

	expunged := 0
	if e, ok := s.deps.Handler.(interface{ ExpungeLimiters() int }); ok {
		expunged = e.ExpungeLimiters()
	}
	if logging.Logger.IsLevelEnabled(log.DebugLevel) {
		logging.Logger.Debugf("sweep: %d sessions, %d evicted, %d limiter windows expunged",
			len(sessions), evicted.Value(), expunged)
	}
}

func (s *Server) pingSession(ctx context.Context, sess *session.Session) bool {
	conn := sess.Conn()
	if err := sess.Ping(ctx, s.cfg.PingWait); err == nil {
		conn.ResetPingFailures()
		return false
	}
	failures := conn.IncrementPingFailures()
	if failures < s.cfg.PingFailureThreshold {
		sess.Log().Debugf("ping failed (%d/%d)", failures, s.cfg.PingFailureThreshold)
		return false
	}
	sess.Log().Warnf("%s : closing session after %d failed pings", conn.RemoteAddr(), failures)
	s.closeSession(sess, connection.CloseGoingAway, ReasonUnresponsive)
	return true
}

// Close disconnects every session and waits for their read loops to finish.
func (s *Server) Close() {
	s.cancel()
	closeAll := func(_ string, sess *session.Session) bool {
		s.closeSession(sess, connection.CloseGoingAway, ReasonShutdown)
		return true
	}
	s.stations.Range(closeAll)
	s.bridges.Range(closeAll)
	s.wg.Wait()
}
