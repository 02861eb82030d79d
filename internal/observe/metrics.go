// Package observe holds the OpenTelemetry instruments shared by the session
// pipeline. Every drop, rejection and delivery failure is counted here so that
// the backpressure policy stays observable.
package observe

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-speech"

// Metrics holds the instruments. All fields are safe for concurrent use.
type Metrics struct {
	UtterancesSegmented metric.Int64Counter
	UtterancesDropped   metric.Int64Counter
	FramesDropped       metric.Int64Counter
	Transcripts         metric.Int64Counter
	RecognitionErrors   metric.Int64Counter
	EventsDropped       metric.Int64Counter

	// SynthesisRequests counts terminal outcomes. Use with
	//   attribute.String("outcome", "completed"|"errored"|"superseded")
	SynthesisRequests metric.Int64Counter
	SynthesisRejected metric.Int64Counter

	DeliveryFailures  metric.Int64Counter
	ActiveConnections metric.Int64UpDownCounter

	STTDuration metric.Float64Histogram
	TTSDuration metric.Float64Histogram
}

var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates the instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&met.UtterancesSegmented, "loqa.vad.utterances", "Utterances emitted by the segmenter."},
		{&met.UtterancesDropped, "loqa.vad.utterances.dropped", "Utterances dropped because the recognition queue was full."},
		{&met.FramesDropped, "loqa.capture.frames.dropped", "Audio frames dropped because the segmenter fell behind."},
		{&met.Transcripts, "loqa.stt.transcripts", "Non-empty transcripts produced."},
		{&met.RecognitionErrors, "loqa.stt.errors", "Failed transcription calls."},
		{&met.EventsDropped, "loqa.events.dropped", "Broadcast events dropped because the event queue was full."},
		{&met.SynthesisRequests, "loqa.tts.requests", "Synthesis requests by terminal outcome."},
		{&met.SynthesisRejected, "loqa.tts.rejected", "Synthesis requests rejected because the queue was full."},
		{&met.DeliveryFailures, "loqa.hub.delivery_failures", "Failed sends to connected peers."},
	}
	for _, c := range counters {
		if *c.target, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveConnections, err = m.Int64UpDownCounter("loqa.hub.connections",
		metric.WithDescription("Currently registered peers."),
	); err != nil {
		return nil, err
	}

	if met.STTDuration, err = m.Float64Histogram("loqa.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("loqa.tts.duration",
		metric.WithDescription("Latency of one text-to-speech synthesis call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Default builds Metrics on the global meter provider, which is a no-op until
// telemetry is initialised.
func Default() *Metrics {
	met, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		// The global provider only fails on invalid instrument names.
		panic(err)
	}
	return met
}
