package registrar

import (
	"bytes"
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/registrar/internal/otel"
	"github.com/basket/registrar/internal/rpc"
)

type plane string

const (
	planeClient   plane = "client"   // instance <-> external client
	planeInstance plane = "instance" // instance <-> instance
)

// envelope is a notification in flight through the relay. Params holds the
// bytes every recipient receives; the sender's raw payload is never edited.
type envelope struct {
	SourceClientID string
	Method         string
	Params         json.RawMessage
	Plane          plane
}

// relayFrom returns the catch-all route for a promoted session: any
// notification the registrar does not itself handle is forwarded along the
// sender's plane.
func (s *Server) relayFrom(sess *Session) rpc.DefaultFunc {
	return func(ctx context.Context, method string, params json.RawMessage) {
		env, err := s.wrap(sess, method, params)
		if err != nil {
			sess.logger.Debug("relay: dropping undecodable params", "method", method, "error", err)
			return
		}
		s.route(ctx, sess, env)
	}
}

func (s *Server) wrap(sess *Session, method string, params json.RawMessage) (envelope, error) {
	env := envelope{SourceClientID: sess.id, Method: method, Params: params, Plane: planeClient}

	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		// Positional or absent params travel untouched.
		return env, nil
	}
	var keyed map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &keyed); err != nil {
		return env, err
	}
	if marker, ok := keyed[ServerToServerParam]; ok && s.roleOf(sess) == RoleInstance && string(bytes.TrimSpace(marker)) == "true" {
		env.Plane = planeInstance
	}
	source, _ := json.Marshal(sess.id)
	keyed[SourceClientIDParam] = source
	tagged, err := json.Marshal(keyed)
	if err != nil {
		return env, err
	}
	env.Params = tagged
	return env, nil
}

func (s *Server) route(ctx context.Context, from *Session, env envelope) {
	s.mu.Lock()
	var targets []*Session
	switch {
	case from.role == RoleExternalClient:
		targets = s.instancesLocked()
	case from.role == RoleInstance && env.Plane == planeInstance:
		targets = s.instancesLocked()
	case from.role == RoleInstance:
		targets = s.clientsLocked()
	}
	s.mu.Unlock()

	delivered := 0
	for _, to := range targets {
		if to == from {
			continue
		}
		if err := to.conn.Notify(env.Method, env.Params); err != nil {
			to.logger.Debug("relay: delivery failed", "method", env.Method, "from", from.id, "error", err)
			continue
		}
		delivered++
	}
	if delivered > 0 {
		s.metrics.RelayedMessages.Add(ctx, int64(delivered), metric.WithAttributes(otel.AttrPlane.String(string(env.Plane))))
	}
}
