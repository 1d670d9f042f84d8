package solo

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus counters a Guard updates
type Metrics struct {
	// Secondary side
	FilesSent     prometheus.Counter
	FilesSkipped  prometheus.Counter
	FilesDropped  prometheus.Counter
	HandoffRounds prometheus.Counter
	ShowRequests  prometheus.Counter

	// Primary side
	FilesReceived prometheus.Counter
	ShowsReceived prometheus.Counter

	CorruptStates prometheus.Counter
}

// NewMetrics creates the guard counters and registers them with reg
// A nil reg leaves them unregistered, which is what a Guard uses by default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		FilesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "solo_files_sent_total",
			Help: "Paths written to the shared handoff buffer",
		}),
		FilesSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "solo_files_skipped_total",
			Help: "Paths too long to ever fit the handoff buffer",
		}),
		FilesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "solo_files_dropped_total",
			Help: "Paths abandoned after the retry budget or context ran out",
		}),
		HandoffRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "solo_handoff_rounds_total",
			Help: "Locked append rounds taken by handoffs",
		}),
		ShowRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "solo_show_requests_total",
			Help: "Raise-window requests sent to the primary instance",
		}),
		FilesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "solo_files_received_total",
			Help: "Paths drained by the primary instance",
		}),
		ShowsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "solo_shows_received_total",
			Help: "Raise-window requests observed by the primary instance",
		}),
		CorruptStates: factory.NewCounter(prometheus.CounterOpts{
			Name: "solo_corrupt_states_total",
			Help: "Operations that found the shared state corrupt",
		}),
	}
}
