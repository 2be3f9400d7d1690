package workerpool

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	noopmetric "go.opentelemetry.io/otel/metric/noop"
)

// Option configures a Pool.
type Option func(*options)

type options struct {
	logger *slog.Logger
	meter  metric.Meter
	policy ShutdownPolicy
}

func newOptions(opts []Option) options {
	cfg := options{
		logger: slog.Default(),
		meter:  noopmetric.NewMeterProvider().Meter(meterName),
		policy: ShutdownDrain,
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return cfg
}

// WithLogger sets the logger used for lifecycle and job failure messages.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMeter records pool metrics on meter.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

// WithShutdownPolicy selects what Close does with queued jobs.
func WithShutdownPolicy(policy ShutdownPolicy) Option {
	return func(o *options) {
		o.policy = policy
	}
}
