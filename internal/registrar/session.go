package registrar

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/basket/registrar/internal/bus"
	"github.com/basket/registrar/internal/otel"
	"github.com/basket/registrar/internal/rpc"
)

type Role int

const (
	RoleUnauthorized Role = iota
	RoleInstance
	RoleExternalClient
	RoleClosed
)

func (r Role) String() string {
	switch r {
	case RoleUnauthorized:
		return "unauthorized"
	case RoleInstance:
		return "instance"
	case RoleExternalClient:
		return "external_client"
	case RoleClosed:
		return "closed"
	}
	return "role(" + strconv.Itoa(int(r)) + ")"
}

// Session is one connection.
type Session struct {
	id      string
	seq     int64
	traceID string
	conn    *rpc.Conn
	mux     *rpc.Mux
	logger  *slog.Logger
	limiter *rate.Limiter

	// guarded by Server.mu
	role     Role
	name     string
	port     int
	lastSeen time.Time
}

func (s *Session) ID() string { return s.id }

// admit registers a new Unauthorized session.
func (s *Server) admit(conn *rpc.Conn, mux *rpc.Mux, traceID string) *Session {
	s.mu.Lock()
	s.nextSession++
	seq := s.nextSession
	sess := &Session{
		id:      fmt.Sprintf("client%d", seq-1),
		seq:     seq,
		traceID: traceID,
		conn:    conn,
		mux:     mux,
		limiter: rate.NewLimiter(s.tokenRate, s.tokenBurst),
		role:    RoleUnauthorized,
	}
	sess.logger = s.logger.With("session_id", sess.id, "trace_id", traceID)
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.metrics.SessionsActive.Add(context.Background(), 1, metric.WithAttributes(otel.AttrRole.String(RoleUnauthorized.String())))
	s.cfg.Bus.Publish(bus.TopicSessionAdmitted, bus.SessionEvent{SessionID: sess.id, Role: RoleUnauthorized.String()})
	sess.logger.Debug("session admitted")
	return sess
}

// promoteToInstance moves an Unauthorized session into the instance map and
// starts relaying its unknown notifications.
func (s *Server) promoteToInstance(sess *Session, name string, port int) error {
	s.mu.Lock()
	if sess.role != RoleUnauthorized {
		s.mu.Unlock()
		return ErrAlreadyRegistered
	}
	s.assertConsistentLocked(sess)
	sess.role = RoleInstance
	sess.name = name
	sess.port = port
	sess.lastSeen = s.clock.Now()
	s.instances[sess.id] = sess
	s.mu.Unlock()

	sess.mux.SetDefault(s.relayFrom(sess))
	s.roleChanged(sess, RoleUnauthorized, RoleInstance)
	s.cfg.Bus.Publish(bus.TopicSessionPromoted, bus.SessionEvent{SessionID: sess.id, Role: RoleInstance.String(), Name: name})
	sess.logger.Info("instance registered", "name", name, "port", port)
	return nil
}

// promoteToExternalClient moves an Unauthorized session into the client map
// and tells every instance the new client count.
func (s *Server) promoteToExternalClient(sess *Session, appName string) error {
	s.mu.Lock()
	if sess.role != RoleUnauthorized {
		s.mu.Unlock()
		return ErrAlreadyRegistered
	}
	s.assertConsistentLocked(sess)
	sess.role = RoleExternalClient
	sess.name = appName
	s.clients[sess.id] = sess
	count := len(s.clients)
	targets := s.instancesLocked()
	// Notifications are enqueued under the lock so instances observe
	// connect/disconnect counts in the order they happened.
	for _, inst := range targets {
		_ = inst.conn.Notify(MethodClientConnected, ClientCountParams{ClientID: sess.id, NewClientCount: count})
	}
	s.mu.Unlock()

	sess.mux.SetDefault(s.relayFrom(sess))
	s.roleChanged(sess, RoleUnauthorized, RoleExternalClient)
	s.cfg.Bus.Publish(bus.TopicSessionPromoted, bus.SessionEvent{SessionID: sess.id, Role: RoleExternalClient.String(), Name: appName})
	sess.logger.Info("external client authenticated", "app", appName, "clients", count)
	return nil
}

// onClosed removes the session from every map. Losing the last instance
// makes the broker idle.
func (s *Server) onClosed(sess *Session) {
	s.mu.Lock()
	prev := sess.role
	if prev == RoleClosed {
		s.mu.Unlock()
		return
	}
	sess.role = RoleClosed
	delete(s.sessions, sess.id)
	delete(s.instances, sess.id)
	delete(s.clients, sess.id)

	idle := false
	switch prev {
	case RoleInstance:
		idle = len(s.instances) == 0
	case RoleExternalClient:
		count := len(s.clients)
		for _, inst := range s.instancesLocked() {
			_ = inst.conn.Notify(MethodClientDisconnected, ClientCountParams{ClientID: sess.id, NewClientCount: count})
		}
	}
	s.mu.Unlock()

	s.roleChanged(sess, prev, RoleClosed)
	s.cfg.Bus.Publish(bus.TopicSessionClosed, bus.SessionEvent{SessionID: sess.id, Role: prev.String(), Name: sess.name})
	sess.logger.Info("session closed", "role", prev.String())

	if idle {
		s.goIdle()
	}
}

func (s *Server) goIdle() {
	s.idleOnce.Do(func() {
		s.logger.Info("last instance disconnected, broker is idle")
		s.cfg.Bus.Publish(bus.TopicIdle, nil)
		close(s.idle)
	})
}

func (s *Server) roleChanged(sess *Session, from, to Role) {
	ctx := context.Background()
	s.metrics.SessionsActive.Add(ctx, -1, metric.WithAttributes(otel.AttrRole.String(from.String())))
	if to != RoleClosed {
		s.metrics.SessionsActive.Add(ctx, 1, metric.WithAttributes(otel.AttrRole.String(to.String())))
	}
}

// assertConsistentLocked panics when an Unauthorized session already sits
// in a role map.
func (s *Server) assertConsistentLocked(sess *Session) {
	_, inInstances := s.instances[sess.id]
	_, inClients := s.clients[sess.id]
	if inInstances || inClients {
		panic(fmt.Sprintf("registrar: unauthorized session %s present in role map (instance=%v client=%v)", sess.id, inInstances, inClients))
	}
}

func (s *Server) roleOf(sess *Session) Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sess.role
}

// touch records inbound activity for lastActiveInstance.
func (s *Server) touch(sess *Session) {
	s.mu.Lock()
	if sess.role == RoleInstance {
		sess.lastSeen = s.clock.Now()
	}
	s.mu.Unlock()
}

// instancesLocked returns instances in admission order.
func (s *Server) instancesLocked() []*Session {
	out := make([]*Session, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Server) clientsLocked() []*Session {
	out := make([]*Session, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (s *Server) instanceSnapshot() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.instancesLocked()
}

func infoOf(sess *Session) InstanceInfo {
	return InstanceInfo{ID: sess.id, Name: sess.name, Port: sess.port}
}

// Counts is a point-in-time view of the registry.
type Counts struct {
	Instances     int `json:"instances"`
	Clients       int `json:"clients"`
	Unauthorized  int `json:"unauthorized"`
	PendingAccess int `json:"pending_access_requests"`
}

func (s *Server) Counts() Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Counts{
		Instances:     len(s.instances),
		Clients:       len(s.clients),
		Unauthorized:  len(s.sessions) - len(s.instances) - len(s.clients),
		PendingAccess: len(s.pending),
	}
}

// Instances lists the registered instances in admission order.
func (s *Server) Instances() []InstanceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []InstanceInfo{}
	for _, inst := range s.instancesLocked() {
		out = append(out, infoOf(inst))
	}
	return out
}
