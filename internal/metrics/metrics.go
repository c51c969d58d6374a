// Package metrics holds the Prometheus collectors of the assistant.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turns counts resolved turns by outcome: complete, configuration,
	// attachment, transport or discarded.
	Turns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anachak_turns_total",
		Help: "Total number of conversation turns by outcome",
	}, []string{"outcome"})

	TurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anachak_turn_duration_seconds",
		Help:    "Time from send to resolution of a turn",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	StreamChunks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anachak_stream_chunks_total",
		Help: "Total number of streamed chunks received from the model",
	})

	// MemoryUpdates counts memory updates by result: updated, noop or error.
	MemoryUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anachak_memory_updates_total",
		Help: "Total number of memory updates by result",
	}, []string{"result"})

	AttachmentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "anachak_attachment_failures_total",
		Help: "Total number of attachment failures by reason",
	}, []string{"reason"})
)
