package registrar

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/registrar/internal/audit"
	"github.com/basket/registrar/internal/bus"
	"github.com/basket/registrar/internal/otel"
)

const (
	outcomeGranted   = "granted"
	outcomeDenied    = "denied"
	outcomeTimeout   = "timeout"
	outcomeAbandoned = "abandoned"
)

// outcomeCell settles exactly once; later settlements report false.
type outcomeCell struct {
	settled atomic.Bool
	done    chan struct{}
	granted bool
}

func newOutcomeCell() *outcomeCell {
	return &outcomeCell{done: make(chan struct{})}
}

func (c *outcomeCell) settle(granted bool) bool {
	if !c.settled.CompareAndSwap(false, true) {
		return false
	}
	c.granted = granted
	close(c.done)
	return true
}

// result must only be read after done is closed.
func (c *outcomeCell) result() bool {
	<-c.done
	return c.granted
}

type accessRequest struct {
	id        int64
	appName   string
	requester *Session
	asked     []*Session
	cell      *outcomeCell
	remaining atomic.Int32

	cancelOnce sync.Once
}

// vote folds one instance's reply into the outcome: any grant wins at once,
// and the last outstanding denial settles a denial.
func (r *accessRequest) vote(granted bool) {
	if granted {
		r.cell.settle(true)
		return
	}
	if r.remaining.Add(-1) == 0 {
		r.cell.settle(false)
	}
}

// cancel tells every asked instance to retract its prompt. Safe to call
// more than once; only the first call sends.
func (r *accessRequest) cancel() {
	r.cancelOnce.Do(func() {
		for _, inst := range r.asked {
			_ = inst.conn.Notify(MethodCancelAccessRequest, CancelAccessRequestParams{RequestID: r.id})
		}
	})
}

// requestToken asks every instance whether appName may have a token and
// mints one if any of them approves.
func (s *Server) requestToken(ctx context.Context, sess *Session, appName string) (*RequestTokenResult, error) {
	if role := s.roleOf(sess); role != RoleUnauthorized && role != RoleExternalClient {
		return nil, ErrNotPermitted
	}
	if !sess.limiter.Allow() {
		s.metrics.RateLimitRejects.Add(ctx, 1)
		return nil, ErrRateLimited
	}

	req, err := s.openAccessRequest(sess, appName)
	if err != nil {
		audit.Record(ctx, audit.Deny, "access.request", "no_instance", appName)
		return nil, err
	}
	started := s.clock.Now()
	ctx, span := otel.StartSpan(ctx, s.tracer, "registrar.access_request",
		otel.AttrRequestID.Int64(req.id),
		otel.AttrAppName.String(appName),
		otel.AttrInstances.Int(len(req.asked)),
	)
	defer span.End()
	sess.logger.Info("access requested", "request_id", req.id, "app", appName, "instances", len(req.asked))

	// Votes run on their own context; the requester's only decides whether
	// anyone is still waiting for the outcome.
	callCtx, stopCalls := context.WithCancel(context.Background())
	defer stopCalls()
	for _, inst := range req.asked {
		go func(inst *Session) {
			var res RequestAccessResult
			err := inst.conn.Call(callCtx, MethodRequestAccess, RequestAccessParams{RequestID: req.id, AppName: appName}, &res)
			if err != nil && callCtx.Err() == nil {
				inst.logger.Debug("requestAccess call failed, counting as deny", "request_id", req.id, "error", err)
			}
			req.vote(err == nil && res.AccessGranted)
		}(inst)
	}

	var timeout <-chan time.Time
	if s.cfg.AccessTimeout > 0 {
		timer := s.clock.NewTimer(s.cfg.AccessTimeout)
		defer timer.Stop()
		timeout = timer.C()
	}

	outcome := ""
	select {
	case <-req.cell.done:
	case <-timeout:
		if req.cell.settle(false) {
			outcome = outcomeTimeout
		}
	case <-ctx.Done():
		// The requester went away. Settle so late votes are ignored, retract
		// the prompts and deliver nothing.
		req.cell.settle(false)
		req.cancel()
		s.closeAccessRequest(ctx, req, outcomeAbandoned, started)
		return nil, ctx.Err()
	}

	granted := req.cell.result()
	if outcome == "" {
		outcome = outcomeDenied
		if granted {
			outcome = outcomeGranted
		}
	}
	req.cancel()
	s.closeAccessRequest(ctx, req, outcome, started)
	span.SetAttributes(otel.AttrOutcome.String(outcome))

	if !granted {
		if outcome == outcomeTimeout {
			return nil, fmt.Errorf("%w: no instance answered within %s", ErrDenied, s.cfg.AccessTimeout)
		}
		return nil, ErrDenied
	}
	grant, err := s.cfg.Trust.MintGrant(appName)
	if err != nil {
		return nil, err
	}
	return &RequestTokenResult{Token: grant.Token}, nil
}

func (s *Server) openAccessRequest(sess *Session, appName string) (*accessRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asked := s.instancesLocked()
	if len(asked) == 0 {
		return nil, ErrNoInstanceAvailable
	}
	s.nextRequest++
	req := &accessRequest{
		id:        s.nextRequest,
		appName:   appName,
		requester: sess,
		asked:     asked,
		cell:      newOutcomeCell(),
	}
	req.remaining.Store(int32(len(asked)))
	s.pending[req.id] = req
	return req, nil
}

func (s *Server) closeAccessRequest(ctx context.Context, req *accessRequest, outcome string, started time.Time) {
	s.mu.Lock()
	delete(s.pending, req.id)
	s.mu.Unlock()

	// Audit and metrics run on a fresh context: an abandoned request's
	// context is already cancelled.
	rctx := context.WithoutCancel(ctx)
	decision := audit.Deny
	if outcome == outcomeGranted {
		decision = audit.Allow
	}
	audit.Record(rctx, decision, "access.request", outcome, req.appName)
	attrs := metric.WithAttributes(otel.AttrOutcome.String(outcome))
	s.metrics.AccessRequests.Add(rctx, 1, attrs)
	s.metrics.AccessDuration.Record(rctx, s.clock.Now().Sub(started).Seconds(), attrs)
	s.cfg.Bus.Publish(bus.TopicAccessResolved, bus.AccessResolvedEvent{
		RequestID: req.id,
		AppName:   req.appName,
		Outcome:   outcome,
		Asked:     len(req.asked),
	})
	req.requester.logger.Info("access request resolved", "request_id", req.id, "app", req.appName, "outcome", outcome)
}

// PendingAccessRequests returns the ids of unresolved access requests.
func (s *Server) PendingAccessRequests() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	return out
}
