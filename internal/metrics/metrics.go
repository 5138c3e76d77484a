// Package metrics exposes Prometheus counters for the engine's
// externally visible behavior.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// DeviceCommands counts commands sent to devices, labeled by the
	// requested state and the outcome.
	DeviceCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvpccheapd",
		Name:      "device_commands_total",
		Help:      "Device on/off commands sent, by state and result.",
	}, []string{"state", "result"})

	// StatusTransitions counts action status transitions applied to the
	// local store.
	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvpccheapd",
		Name:      "status_transitions_total",
		Help:      "Action status transitions, by new status.",
	}, []string{"status"})

	// TriggersFired counts trigger deliveries handled by the engine.
	TriggersFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvpccheapd",
		Name:      "triggers_fired_total",
		Help:      "Triggers handled, by kind.",
	}, []string{"kind"})

	// ScheduleSyncs counts schedule refresh attempts.
	ScheduleSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvpccheapd",
		Name:      "schedule_syncs_total",
		Help:      "Schedule refreshes, by source (backend or cache) and result.",
	}, []string{"source", "result"})

	// StatusPushes counts status updates reported to the backend.
	StatusPushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pvpccheapd",
		Name:      "status_pushes_total",
		Help:      "Backend status pushes, by result.",
	}, []string{"result"})

	// SafetyCorrections counts devices switched off by the safety check.
	SafetyCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pvpccheapd",
		Name:      "safety_corrections_total",
		Help:      "Devices turned off by the periodic safety check.",
	})

	// PendingSyncQueue tracks the size of the pending-sync queue.
	PendingSyncQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pvpccheapd",
		Name:      "pending_sync_queue",
		Help:      "Status updates waiting to be pushed to the backend.",
	})
)

// Serve exposes /metrics on addr. Runs until the listener fails; the
// caller starts it in a goroutine and treats errors as non-fatal.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
