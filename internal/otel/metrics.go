package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the registrar's instruments.
type Metrics struct {
	SessionsActive   metric.Int64UpDownCounter
	AccessRequests   metric.Int64Counter
	AccessDuration   metric.Float64Histogram
	TokenChecks      metric.Int64Counter
	SecretProbes     metric.Int64Counter
	RelayedMessages  metric.Int64Counter
	RateLimitRejects metric.Int64Counter
	TrustEvictions   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionsActive, err = meter.Int64UpDownCounter("registrar.sessions.active",
		metric.WithDescription("Connected sessions by role"),
	)
	if err != nil {
		return nil, err
	}

	m.AccessRequests, err = meter.Int64Counter("registrar.access.requests",
		metric.WithDescription("Resolved access requests by outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.AccessDuration, err = meter.Float64Histogram("registrar.access.duration",
		metric.WithDescription("Time from requestToken to resolution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TokenChecks, err = meter.Int64Counter("registrar.token.checks",
		metric.WithDescription("Token authentications by result"),
	)
	if err != nil {
		return nil, err
	}

	m.SecretProbes, err = meter.Int64Counter("registrar.secret.probes",
		metric.WithDescription("Instance secret probes by result"),
	)
	if err != nil {
		return nil, err
	}

	m.RelayedMessages, err = meter.Int64Counter("registrar.relay.messages",
		metric.WithDescription("Notifications relayed by plane"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("registrar.ratelimit.rejects",
		metric.WithDescription("requestToken calls rejected by the rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.TrustEvictions, err = meter.Int64Counter("registrar.trust.evictions",
		metric.WithDescription("Trust records evicted for exceeding the TTL"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
