package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the engine's instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	ClaimsTotal      metric.Int64Counter
	ClaimDuration    metric.Float64Histogram
	ActiveClaims     metric.Int64UpDownCounter
	Iterations       metric.Int64Counter
	GatewayDuration  metric.Float64Histogram
	ToolCallDuration metric.Float64Histogram
	ToolCallErrors   metric.Int64Counter
	TokensUsed       metric.Int64Counter
	Mistakes         metric.Int64Counter
	CircuitTrips     metric.Int64Counter
	ApprovalsParked  metric.Int64Counter
	QuotaRejects     metric.Int64Counter
	SweeperReclaims  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentq.api.request.duration",
		metric.WithDescription("HTTP API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimsTotal, err = meter.Int64Counter("agentq.claims",
		metric.WithDescription("Claim attempts by outcome (won, lost)"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimDuration, err = meter.Float64Histogram("agentq.claim.duration",
		metric.WithDescription("Time a worker held a session lease in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveClaims, err = meter.Int64UpDownCounter("agentq.claims.active",
		metric.WithDescription("Number of sessions currently leased by this process"),
	)
	if err != nil {
		return nil, err
	}

	m.Iterations, err = meter.Int64Counter("agentq.loop.iterations",
		metric.WithDescription("Agent loop iterations executed"),
	)
	if err != nil {
		return nil, err
	}

	m.GatewayDuration, err = meter.Float64Histogram("agentq.gateway.step.duration",
		metric.WithDescription("Model gateway step duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallDuration, err = meter.Float64Histogram("agentq.tool.duration",
		metric.WithDescription("Tool execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ToolCallErrors, err = meter.Int64Counter("agentq.tool.errors",
		metric.WithDescription("Tool execution error count"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("agentq.tokens",
		metric.WithDescription("Tokens reported or estimated per iteration"),
	)
	if err != nil {
		return nil, err
	}

	m.Mistakes, err = meter.Int64Counter("agentq.mistakes",
		metric.WithDescription("Agent-caused iteration failures"),
	)
	if err != nil {
		return nil, err
	}

	m.CircuitTrips, err = meter.Int64Counter("agentq.circuit.trips",
		metric.WithDescription("Sessions parked in error by the mistake circuit breaker"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsParked, err = meter.Int64Counter("agentq.approvals.parked",
		metric.WithDescription("Sessions parked behind an approval gate"),
	)
	if err != nil {
		return nil, err
	}

	m.QuotaRejects, err = meter.Int64Counter("agentq.quota.rejects",
		metric.WithDescription("Iterations refused by the quota manager"),
	)
	if err != nil {
		return nil, err
	}

	m.SweeperReclaims, err = meter.Int64Counter("agentq.sweeper.reclaims",
		metric.WithDescription("Leases and messages reclaimed by the recovery sweeper"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
