// Package telemetry owns the OpenTelemetry providers of a running engine.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const ServiceName = "blockdb"

// Telemetry always keeps an in-process reader so counters can be read
// back. When an output writer is given, metrics are also exported there
// periodically and spans are exported in batches.
type Telemetry struct {
	reader *sdkmetric.ManualReader
	meters *sdkmetric.MeterProvider
	traces *sdktrace.TracerProvider
}

func New(out io.Writer, interval time.Duration) (*Telemetry, error) {
	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))

	t := &Telemetry{reader: sdkmetric.NewManualReader()}

	meterOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(t.reader),
	}

	if out != nil {
		metricExp, err := stdoutmetric.New(
			stdoutmetric.WithWriter(out),
			stdoutmetric.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}

		var readerOpts []sdkmetric.PeriodicReaderOption
		if interval > 0 {
			readerOpts = append(readerOpts, sdkmetric.WithInterval(interval))
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(metricExp, readerOpts...),
		))

		traceExp, err := stdouttrace.New(
			stdouttrace.WithWriter(out),
			stdouttrace.WithPrettyPrint(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}

		t.traces = sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithBatcher(traceExp),
		)
	}

	t.meters = sdkmetric.NewMeterProvider(meterOpts...)

	return t, nil
}

// Install makes the providers global. Without an output writer the global
// tracer provider is left alone.
func (t *Telemetry) Install() {
	otel.SetMeterProvider(t.meters)
	if t.traces != nil {
		otel.SetTracerProvider(t.traces)
	}
}

func (t *Telemetry) MeterProvider() metric.MeterProvider {
	return t.meters
}

// Counters returns the current value of every int64 counter, summed over
// all attribute sets.
func (t *Telemetry) Counters(ctx context.Context) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("failed to collect metrics: %w", err)
	}

	res := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}

			for _, dp := range sum.DataPoints {
				res[m.Name] += dp.Value
			}
		}
	}

	return res, nil
}

// Shutdown flushes the exporters. Counters fails afterwards.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	err := t.meters.Shutdown(ctx)
	if t.traces != nil {
		err = errors.Join(err, t.traces.Shutdown(ctx))
	}

	return err
}
