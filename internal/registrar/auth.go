package registrar

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/registrar/internal/audit"
	"github.com/basket/registrar/internal/otel"
	"github.com/basket/registrar/internal/trust"
)

// SecretLength is the length of the process-lifetime instance secret.
const SecretLength = 20

// WriteSecret generates a fresh secret and writes it to path, readable only
// by the current user.
func WriteSecret(path string) (string, error) {
	secret, err := trust.RandomString(SecretLength)
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create secret dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("write secret: %w", err)
	}
	return secret, nil
}

// registerAsVsCodeInstance asks the caller to read back the secret file.
// Only a process sharing this machine's filesystem can answer correctly.
func (s *Server) registerAsVsCodeInstance(ctx context.Context, sess *Session, p RegisterInstanceParams) error {
	if s.roleOf(sess) != RoleUnauthorized {
		return ErrAlreadyRegistered
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	ctx, span := otel.StartClientSpan(probeCtx, s.tracer, "registrar.secret_probe", otel.AttrSessionID.String(sess.id))
	var res SecretProbeResult
	err := sess.conn.Call(ctx, MethodAuthenticateVsCodeInstance, SecretProbeParams{FilePathToRead: s.cfg.SecretPath}, &res)
	span.End()

	if err != nil {
		s.probeResult(ctx, sess, false, "probe_failed")
		return fmt.Errorf("%w: secret probe failed: %v", ErrInvalidSecret, err)
	}
	if subtle.ConstantTimeCompare([]byte(res.Content), []byte(s.cfg.Secret)) != 1 {
		s.probeResult(ctx, sess, false, "secret_mismatch")
		return ErrInvalidSecret
	}
	if err := s.promoteToInstance(sess, p.Name, p.Port); err != nil {
		return err
	}
	s.probeResult(ctx, sess, true, "secret_verified")
	return nil
}

func (s *Server) probeResult(ctx context.Context, sess *Session, ok bool, reason string) {
	decision := audit.Allow
	if !ok {
		decision = audit.Deny
		sess.logger.Warn("instance secret probe rejected", "reason", reason)
	}
	audit.Record(ctx, decision, "instance.register", reason, sess.id)
	s.metrics.SecretProbes.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String(decision)))
}

// authenticate promotes an Unauthorized session holding a valid token.
func (s *Server) authenticate(ctx context.Context, sess *Session, p AuthenticateParams) error {
	if s.roleOf(sess) != RoleUnauthorized {
		return ErrAlreadyRegistered
	}
	if _, err := s.checkToken(ctx, p); err != nil {
		return err
	}
	return s.promoteToExternalClient(sess, p.AppName)
}

// authenticateClient lets an instance verify a token a client presented to
// it directly. The caller's own session is not changed.
func (s *Server) authenticateClient(ctx context.Context, sess *Session, p AuthenticateParams) error {
	if err := s.require(sess, RoleInstance); err != nil {
		return err
	}
	_, err := s.checkToken(ctx, p)
	return err
}

func (s *Server) checkToken(ctx context.Context, p AuthenticateParams) (trust.Record, error) {
	rec, ok := s.cfg.Trust.CheckToken(p.Token)
	outcome := audit.Allow
	if !ok {
		outcome = audit.Deny
	}
	s.metrics.TokenChecks.Add(ctx, 1, metric.WithAttributes(otel.AttrOutcome.String(outcome)))
	if !ok {
		audit.Record(ctx, audit.Deny, "token.check", "unknown_token", p.AppName)
		return trust.Record{}, ErrInvalidToken
	}
	audit.Record(ctx, audit.Allow, "token.check", "token_valid", rec.AppName)
	return rec, nil
}

func (s *Server) reloadConfig(_ context.Context, sess *Session) (any, error) {
	if err := s.require(sess, RoleInstance); err != nil {
		return nil, err
	}
	if err := s.cfg.Trust.Load(); err != nil {
		sess.logger.Warn("trust store reload failed", "error", err)
		return nil, err
	}
	n := s.cfg.Trust.Len()
	sess.logger.Info("trust store reloaded on request", "records", n)
	return ReloadConfigResult{Records: n}, nil
}
