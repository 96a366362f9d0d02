package lp2p

import (
	"context"

	p2pmetrics "github.com/libp2p/go-libp2p/core/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var otelmeter = otel.Meter("libp2p")

var attrDirectionInbound = attribute.String("direction", "inbound")
var attrDirectionOutbound = attribute.String("direction", "outbound")

var otelmetrics = struct {
	bandwidth metric.Int64ObservableGauge
}{
	bandwidth: must(otelmeter.Int64ObservableGauge("blockswap_libp2p_bandwidth_total",
		metric.WithDescription("Libp2p stream traffic."),
		metric.WithUnit("By"),
	)),
}

// RegisterBandwidthMetrics exposes the host's cumulative stream traffic
// through the otel meter.
func RegisterBandwidthMetrics(reporter p2pmetrics.Reporter) error {
	_, err := otelmeter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		totals := reporter.GetBandwidthTotals()
		obs.ObserveInt64(otelmetrics.bandwidth, totals.TotalIn, metric.WithAttributes(attrDirectionInbound))
		obs.ObserveInt64(otelmetrics.bandwidth, totals.TotalOut, metric.WithAttributes(attrDirectionOutbound))
		return nil
	}, otelmetrics.bandwidth)
	return err
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
