// Copyright 2023 The mqtt-gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// package metrics provides the Prometheus collectors of the gateway.
package metrics

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mqtt_gateway"

var (
	// ConnectionsTotal counts accepted transport connections.
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connections_total",
		Help:      "The total number of device connections accepted by the listener.",
	})

	// ConnectionsActive tracks device connections that completed CONNECT.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections_active",
		Help:      "The number of authenticated device connections.",
	})

	// ConnectResults counts CONNECT outcomes.
	ConnectResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connect_results_total",
		Help:      "CONNECT attempts by outcome.",
	},
		[]string{"outcome"},
	)

	// TenantConnections tracks shared backend connections.
	TenantConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tenant_connections_active",
		Help:      "The number of open per-tenant backend connections.",
	})

	// DownstreamMessages counts device publishes forwarded to the backend.
	DownstreamMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "downstream_messages_total",
		Help:      "Device publishes by message kind and outcome.",
	},
		[]string{"kind", "outcome"},
	)

	// Commands counts backend commands by outcome.
	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commands_total",
		Help:      "Backend commands by delivery outcome.",
	},
		[]string{"outcome"},
	)

	// SubscribeGrants counts per-filter SUBSCRIBE results.
	SubscribeGrants = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscribe_grants_total",
		Help:      "Per-filter SUBSCRIBE results.",
	},
		[]string{"result"},
	)

	// SupervisorRestartsTotal counts restarts of supervised actors.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "supervisor_restarts_total",
		Help:      "The total number of times a supervised actor has been restarted, by kind.",
	},
		[]string{"kind"},
	)
)

// Command outcomes.
const (
	CommandDelivered    = "delivered"
	CommandAcknowledged = "acknowledged"
	CommandTimedOut     = "timed_out"
	CommandNoSubscriber = "no_subscriber"
	CommandFailed       = "failed"
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// NewServer returns an HTTP server exposing the metrics on addr.
func NewServer(addr string) *http.Server {
	return &http.Server{Addr: addr, Handler: Handler()}
}

// Serve starts an HTTP server to expose the Prometheus metrics. It blocks.
func Serve(addr string) {
	log.Printf("[INFO] Metrics server listening on %s", addr)
	if err := NewServer(addr).ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logFatalf("Metrics server failed: %v", err)
	}
}

// logFatalf can be replaced by tests to prevent process exit.
var logFatalf = log.Fatalf
