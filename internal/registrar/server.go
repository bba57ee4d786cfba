// Package registrar is the broker between editor instances and external
// tool clients: it authenticates both, negotiates new grants with the
// instances, and relays notifications between them.
package registrar

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/basket/registrar/internal/audit"
	"github.com/basket/registrar/internal/bus"
	"github.com/basket/registrar/internal/clock"
	"github.com/basket/registrar/internal/otel"
	"github.com/basket/registrar/internal/rpc"
	"github.com/basket/registrar/internal/shared"
	"github.com/basket/registrar/internal/trust"
)

const (
	defaultTokenRatePerMinute = 6
	defaultTokenBurst         = 3
	probeTimeout              = 30 * time.Second
)

type Config struct {
	Trust *trust.Store
	Bus   *bus.Bus

	// Secret is this process's secret; SecretPath is where it was written
	// for instances to read back.
	Secret     string
	SecretPath string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Same-origin and non-browser clients are always accepted.
	AllowOrigins []string

	// AccessTimeout bounds how long requestToken waits for instance votes.
	// Zero waits until every instance has answered or disconnected.
	AccessTimeout time.Duration

	RequestTokensPerMinute int
	RequestTokenBurst      int

	QueueSize int

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	Logger  *slog.Logger
	Clock   clock.Clock
	Tracer  trace.Tracer
	Metrics *otel.Metrics
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	clock   clock.Clock
	tracer  trace.Tracer
	metrics *otel.Metrics

	tokenRate  rate.Limit
	tokenBurst int

	mu          sync.Mutex
	sessions    map[string]*Session
	instances   map[string]*Session
	clients     map[string]*Session
	pending     map[int64]*accessRequest
	nextSession int64
	nextRequest int64

	idle     chan struct{}
	idleOnce sync.Once
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		// Instruments from a noop meter cannot fail to build.
		metrics, _ = otel.NewMetrics(noop.NewMeterProvider().Meter(otel.MeterName))
	}
	perMinute := cfg.RequestTokensPerMinute
	if perMinute <= 0 {
		perMinute = defaultTokenRatePerMinute
	}
	burst := cfg.RequestTokenBurst
	if burst <= 0 {
		burst = defaultTokenBurst
	}
	return &Server{
		cfg:        cfg,
		logger:     logger.With("component", "registrar"),
		clock:      clk,
		tracer:     tracer,
		metrics:    metrics,
		tokenRate:  rate.Limit(float64(perMinute) / 60),
		tokenBurst: burst,
		sessions:   map[string]*Session{},
		instances:  map[string]*Session{},
		clients:    map[string]*Session{},
		pending:    map[int64]*accessRequest{},
		idle:       make(chan struct{}),
	}
}

// Idle is closed once the last registered instance disconnects.
func (s *Server) Idle() <-chan struct{} {
	return s.idle
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	counts := s.Counts()
	trustRecords := 0
	if s.cfg.Trust != nil {
		trustRecords = s.cfg.Trust.Len()
	}
	payload := map[string]any{
		"healthy":                 true,
		"instances":               counts.Instances,
		"clients":                 counts.Clients,
		"unauthorized":            counts.Unauthorized,
		"pending_access_requests": counts.PendingAccess,
		"trust_records":           trustRecords,
		"deny_count":              audit.DenyCount(),
		"config_fingerprint":      s.cfg.ConfigFingerprint,
		"idle":                    s.isIdle(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) isIdle() bool {
	select {
	case <-s.idle:
		return true
	default:
		return false
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("ws: accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	traceID := shared.NewTraceID()
	mux := rpc.NewMux()
	h := &sessionHandler{server: s, mux: mux}
	conn := rpc.New(ws, h, rpc.Options{
		Logger:    s.logger.With("component", "rpc", "trace_id", traceID),
		QueueSize: s.cfg.QueueSize,
	})
	sess := s.admit(conn, mux, traceID)
	h.sess = sess
	s.registerRoutes(sess)

	ctx := shared.WithSessionID(shared.WithTraceID(r.Context(), traceID), sess.id)
	sess.logger.Info("ws: session connected", "remote", r.RemoteAddr)
	if err := conn.Run(ctx); err != nil {
		sess.logger.Warn("ws: session ended with error", "error", err)
	}
	s.onClosed(sess)
}

// Shutdown closes every session.
func (s *Server) Shutdown() {
	s.mu.Lock()
	all := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.Unlock()
	for _, sess := range all {
		_ = sess.conn.Close()
	}
}

func (s *Server) registerRoutes(sess *Session) {
	m := sess.mux
	m.Request(MethodRegisterAsVsCodeInstance, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p RegisterInstanceParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.registerAsVsCodeInstance(ctx, sess, p)
	})
	m.Request(MethodAuthenticate, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p AuthenticateParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.authenticate(ctx, sess, p)
	})
	m.Request(MethodAuthenticateClient, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p AuthenticateParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return nil, s.authenticateClient(ctx, sess, p)
	})
	m.Request(MethodRequestToken, func(ctx context.Context, params json.RawMessage) (any, error) {
		var p RequestTokenParams
		if err := rpc.DecodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.requestToken(ctx, sess, p.AppName)
	})
	m.Request(MethodGetConfigFileName, func(context.Context, json.RawMessage) (any, error) {
		if err := s.require(sess, RoleInstance); err != nil {
			return nil, err
		}
		return ConfigFileNameResult{Path: s.cfg.Trust.Path()}, nil
	})
	m.Request(MethodReloadConfig, func(ctx context.Context, _ json.RawMessage) (any, error) {
		return s.reloadConfig(ctx, sess)
	})
	m.Request(MethodListInstances, func(context.Context, json.RawMessage) (any, error) {
		if err := s.require(sess, RoleExternalClient); err != nil {
			return nil, err
		}
		return s.Instances(), nil
	})
	m.Request(MethodChooseInstance, func(context.Context, json.RawMessage) (any, error) {
		if err := s.require(sess, RoleExternalClient); err != nil {
			return nil, err
		}
		return s.chooseInstance(), nil
	})
	m.Request(MethodLastActiveInstance, func(context.Context, json.RawMessage) (any, error) {
		if err := s.require(sess, RoleExternalClient); err != nil {
			return nil, err
		}
		return s.lastActiveInstance(), nil
	})
}

func (s *Server) require(sess *Session, role Role) error {
	if got := s.roleOf(sess); got != role {
		return ErrNotPermitted
	}
	return nil
}

// chooseInstance returns the sole instance, or nil when there are zero or
// several to choose from.
func (s *Server) chooseInstance() *InstanceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.instances) != 1 {
		return nil
	}
	for _, inst := range s.instances {
		info := infoOf(inst)
		return &info
	}
	return nil
}

// lastActiveInstance returns the instance that most recently sent anything.
func (s *Server) lastActiveInstance() *InstanceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *Session
	for _, inst := range s.instancesLocked() {
		if best == nil || !inst.lastSeen.Before(best.lastSeen) {
			best = inst
		}
	}
	if best == nil {
		return nil
	}
	info := infoOf(best)
	return &info
}

// sessionHandler stamps activity, traces requests and maps errors to the
// wire taxonomy before handing off to the session's routes.
type sessionHandler struct {
	server *Server
	sess   *Session
	mux    *rpc.Mux
}

func (h *sessionHandler) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	h.server.touch(h.sess)
	ctx, span := otel.StartServerSpan(ctx, h.server.tracer, "registrar."+method,
		otel.AttrSessionID.String(h.sess.id),
		otel.AttrMethod.String(method),
	)
	defer span.End()

	result, err := h.mux.HandleRequest(ctx, method, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("registrar.error.kind", rpc.ErrorKind(toWire(err))))
		h.sess.logger.Debug("request failed", "method", method, "error", err)
		return nil, toWire(err)
	}
	return result, nil
}

func (h *sessionHandler) HandleNotification(ctx context.Context, method string, params json.RawMessage) {
	h.server.touch(h.sess)
	h.mux.HandleNotification(ctx, method, params)
}
