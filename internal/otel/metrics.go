package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all herald metric instruments.
type Metrics struct {
	FiresTotal       metric.Int64Counter
	FireErrors       metric.Int64Counter
	DispatchDuration metric.Float64Histogram
	DispatchRejects  metric.Int64Counter
	ActiveRuns       metric.Int64UpDownCounter
	EventsDelivered  metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.FiresTotal, err = meter.Int64Counter("herald.fires",
		metric.WithDescription("Total task fires"),
	)
	if err != nil {
		return nil, err
	}

	m.FireErrors, err = meter.Int64Counter("herald.fire.errors",
		metric.WithDescription("Task fires whose dispatch failed"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("herald.dispatch.duration",
		metric.WithDescription("Execution run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.DispatchRejects, err = meter.Int64Counter("herald.dispatch.rejects",
		metric.WithDescription("Dispatches rejected because the session was busy"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRuns, err = meter.Int64UpDownCounter("herald.runs.active",
		metric.WithDescription("Number of currently active execution runs"),
	)
	if err != nil {
		return nil, err
	}

	m.EventsDelivered, err = meter.Int64Counter("herald.events.delivered",
		metric.WithDescription("Events forwarded to stream clients"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
