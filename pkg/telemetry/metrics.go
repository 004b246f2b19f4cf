package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Metrics groups every instrument this module records, one field per
// owning package, declared in one place the way pkg/daemon/metrics.go
// declares the teacher's wgmesh.* instruments in its init().
var (
	meter = otel.Meter("omerta")

	PeersActive           metric.Int64UpDownCounter
	EnvelopeDecodeErrors  metric.Int64Counter
	BootstrapDiscovered   metric.Int64Counter
	PathFailReportsSent   metric.Int64Counter
	PathFailReportsFluffed metric.Int64Counter
	ChannelDispatchCount  metric.Int64Counter
	NATPredictionChanged  metric.Int64Counter
)

func init() {
	var err error

	PeersActive, err = meter.Int64UpDownCounter("omerta.peers.active",
		metric.WithDescription("Peers currently tracked with a live reachability path"),
		metric.WithUnit("{peers}"))
	must(err)

	EnvelopeDecodeErrors, err = meter.Int64Counter("omerta.envelope.decode_errors",
		metric.WithDescription("Envelopes that failed header or payload authentication"),
		metric.WithUnit("{envelopes}"))
	must(err)

	BootstrapDiscovered, err = meter.Int64Counter("omerta.bootstrap.peers_discovered",
		metric.WithDescription("Peers discovered during a bootstrap fan-out"),
		metric.WithUnit("{peers}"))
	must(err)

	PathFailReportsSent, err = meter.Int64Counter("omerta.pathfail.reports_sent",
		metric.WithDescription("Path-failure reports originated or relayed"),
		metric.WithUnit("{reports}"))
	must(err)

	PathFailReportsFluffed, err = meter.Int64Counter("omerta.pathfail.reports_fluffed",
		metric.WithDescription("Path-failure reports that entered the fluff (broadcast) phase"),
		metric.WithUnit("{reports}"))
	must(err)

	ChannelDispatchCount, err = meter.Int64Counter("omerta.channel.dispatch_count",
		metric.WithDescription("Inbound channel messages dispatched to a handler"),
		metric.WithUnit("{messages}"))
	must(err)

	NATPredictionChanged, err = meter.Int64Counter("omerta.nat.prediction_changed",
		metric.WithDescription("Times the predicted NAT type changed for this node"),
		metric.WithUnit("{events}"))
	must(err)
}

func must(err error) {
	if err != nil {
		panic("telemetry meter: " + err.Error())
	}
}
