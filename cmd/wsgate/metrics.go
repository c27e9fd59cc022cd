package main

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gobwas/wsgate"
)

var (
	registerOnce sync.Once

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "wsgate",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Upgraded connections which are not closed yet.",
		},
	)
	sessionsOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "sessions",
			Name:      "opened_total",
			Help:      "Upgraded connections by negotiated subprotocol.",
		},
		[]string{"protocol"},
	)
	messagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "messages",
			Name:      "received_total",
			Help:      "Messages received from peers.",
		},
		[]string{"opcode"},
	)
	messageBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "messages",
			Name:      "received_bytes_total",
			Help:      "Payload bytes of messages received from peers.",
		},
	)
	decodeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "wsgate",
			Subsystem: "messages",
			Name:      "decode_errors_total",
			Help:      "Connections failed with a close status code.",
		},
		[]string{"code"},
	)
)

func registerMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(sessionsActive, sessionsOpened, messagesReceived, messageBytes, decodeErrors)
	})
}

func recordOpen(protocol string) {
	if protocol == "" {
		protocol = "none"
	}
	sessionsActive.Inc()
	sessionsOpened.WithLabelValues(protocol).Inc()
}

func recordClose() {
	sessionsActive.Dec()
}

func recordMessage(m wsgate.Message) {
	messagesReceived.WithLabelValues(m.OpCode.String()).Inc()
	messageBytes.Add(float64(len(m.Payload)))
}

func recordDecodeError(code wsgate.StatusCode) {
	decodeErrors.WithLabelValues(strconv.Itoa(int(code))).Inc()
}
