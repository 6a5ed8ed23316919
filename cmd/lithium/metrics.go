package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "lithium_events_received",
	Help: "Number of events accepted from the gateway or the ingest API",
}, []string{"type"})

var gatewayBadFrames = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lithium_gateway_bad_frames",
	Help: "Number of gateway frames that could not be decoded",
})

var gatewayReconnects = promauto.NewCounter(prometheus.CounterOpts{
	Name: "lithium_gateway_reconnects",
	Help: "Number of times the gateway connection was re-established",
})

var gatewayConnected = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "lithium_gateway_connected",
	Help: "1 while the gateway websocket is connected",
})
