package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// EngineMetrics holds the instruments recorded by the assessment engine.
// Instruments come from the global MeterProvider, so they are no-ops until InitMetrics runs.
type EngineMetrics struct {
	commandsExecuted metric.Int64Counter
	connectFailures  metric.Int64Counter
	commandDuration  metric.Float64Histogram
}

// NewEngineMetrics creates the engine instruments. activeJobs is polled on
// every collection to report the number of running jobs.
func NewEngineMetrics(activeJobs func() int64) (*EngineMetrics, error) {
	meter := otel.Meter("mopplane/engine")

	executed, err := meter.Int64Counter("mopplane.commands.executed",
		metric.WithDescription("Commands evaluated, by decision"))
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("mopplane.servers.connect_failures",
		metric.WithDescription("Servers that could not be connected to"))
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("mopplane.command.duration",
		metric.WithDescription("Remote command execution time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	if activeJobs != nil {
		_, err = meter.Int64ObservableGauge("mopplane.jobs.active",
			metric.WithDescription("Assessment jobs currently running"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(activeJobs())
				return nil
			}))
		if err != nil {
			return nil, err
		}
	}

	return &EngineMetrics{
		commandsExecuted: executed,
		connectFailures:  failures,
		commandDuration:  duration,
	}, nil
}

// RecordCommand counts one evaluated command. A zero elapsed time (skipped
// or never dispatched) is not added to the duration histogram.
func (m *EngineMetrics) RecordCommand(ctx context.Context, decision string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("decision", decision))
	m.commandsExecuted.Add(ctx, 1, attrs)
	if elapsed > 0 {
		m.commandDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// RecordConnectFailure counts one server that could not be reached.
func (m *EngineMetrics) RecordConnectFailure(ctx context.Context, transport string) {
	if m == nil {
		return
	}
	m.connectFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("transport", transport)))
}
