package swap

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/Cogwheel-Validator/spectra-lbp-portal/portal/swap"

const (
	outcomeApplied    = "applied"
	outcomeFailed     = "failed"
	outcomeSuperseded = "superseded"
)

type metrics struct {
	simulations metric.Int64Counter
}

func newMetrics() *metrics {
	simulations, err := otel.Meter(instrumentationName).Int64Counter("swap.simulations",
		metric.WithDescription("Swap form simulations by direction and outcome"))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create swap.simulations counter, metrics disabled")
		simulations, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("swap.simulations")
	}
	return &metrics{simulations: simulations}
}

func (m *metrics) record(ctx context.Context, driver Field, outcome string) {
	m.simulations.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("direction", driver.Direction()),
		attribute.String("outcome", outcome),
	))
}
