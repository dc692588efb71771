package rapace

import (
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricRapaceCallsStartedCount      = []string{"rapace", "calls", "started", "count"}
	MetricRapaceCallsCompletedCount    = []string{"rapace", "calls", "completed", "count"}
	MetricRapaceCallsFailedCount       = []string{"rapace", "calls", "failed", "count"}
	MetricRapaceResponsesDroppedCount  = []string{"rapace", "responses", "dropped_after_cancel", "count"}
	MetricRapaceFramesDroppedCount     = []string{"rapace", "frames", "dropped_after_cancel", "count"}
	MetricRapaceGoodbyeSentCount       = []string{"rapace", "goodbye", "sent", "count"}
	MetricRapaceGoodbyeRecvCount       = []string{"rapace", "goodbye", "received", "count"}
	MetricRapaceStreamsOpenedCount     = []string{"rapace", "streams", "opened", "count"}
	MetricRapaceStreamsResetCount      = []string{"rapace", "streams", "reset", "count"}
	MetricRapaceCreditGrantedBytes     = []string{"rapace", "credit", "granted", "bytes"}
	MetricRapaceMessagesInCount        = []string{"rapace", "messages", "in", "count"}
	MetricRapaceMessagesOutCount       = []string{"rapace", "messages", "out", "count"}
	MetricRapaceStaleResponseCount     = []string{"rapace", "responses", "unknown_id", "count"}
	MetricRapaceDispatchRejectedCount  = []string{"rapace", "dispatch", "rejected", "count"}
	MetricRapaceHandshakeFailuresCount = []string{"rapace", "handshake", "failures", "count"}
)

// TelemetryLabel names a structured attribute emitted both as a metric
// label and as an slog attribute.
type TelemetryLabel string

var (
	LabelReason    TelemetryLabel = "reason"
	LabelMethodID  TelemetryLabel = "method_id"
	LabelRequestID TelemetryLabel = "request_id"
	LabelStreamID  TelemetryLabel = "stream_id"
	LabelPeer      TelemetryLabel = "peer"
	LabelRule      TelemetryLabel = "rule"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

// Stats is a point-in-time snapshot of a session's counters. The same
// values stream to the configured metrics sink; the snapshot exists so
// tests and diagnostics can read them without a sink.
type Stats struct {
	CallsStarted          uint64
	CallsCompleted        uint64
	CallsFailed           uint64
	ResponsesDroppedAfterCancel uint64
	FramesDroppedAfterCancel    uint64
	StaleResponses        uint64
	StreamsOpened         uint64
	StreamsReset          uint64
	MessagesIn            uint64
	MessagesOut           uint64
}

type sessionCounters struct {
	callsStarted          atomic.Uint64
	callsCompleted        atomic.Uint64
	callsFailed           atomic.Uint64
	responsesDropped      atomic.Uint64
	framesDropped         atomic.Uint64
	staleResponses        atomic.Uint64
	streamsOpened         atomic.Uint64
	streamsReset          atomic.Uint64
	messagesIn            atomic.Uint64
	messagesOut           atomic.Uint64
}

func (c *sessionCounters) snapshot() Stats {
	return Stats{
		CallsStarted:                c.callsStarted.Load(),
		CallsCompleted:              c.callsCompleted.Load(),
		CallsFailed:                 c.callsFailed.Load(),
		ResponsesDroppedAfterCancel: c.responsesDropped.Load(),
		FramesDroppedAfterCancel:    c.framesDropped.Load(),
		StaleResponses:              c.staleResponses.Load(),
		StreamsOpened:               c.streamsOpened.Load(),
		StreamsReset:                c.streamsReset.Load(),
		MessagesIn:                  c.messagesIn.Load(),
		MessagesOut:                 c.messagesOut.Load(),
	}
}
