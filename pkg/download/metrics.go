package download

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Entry results reported by the entries counter.
const (
	resultOK      = "ok"
	resultSkipped = "skipped"
	resultFailed  = "failed"
)

// Metrics counts ticket and archive activity.
type Metrics struct {
	ticketsCreated  prometheus.Counter
	ticketsRedeemed prometheus.Counter
	entries         *prometheus.CounterVec
	bytes           prometheus.Counter
	retries         prometheus.Counter
}

// NewMetrics registers the download metrics with reg. A nil reg keeps the
// collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ticketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scistore",
			Subsystem: "download",
			Name:      "tickets_created_total",
			Help:      "Download tickets issued.",
		}),
		ticketsRedeemed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scistore",
			Subsystem: "download",
			Name:      "tickets_redeemed_total",
			Help:      "Download tickets consumed.",
		}),
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "scistore",
			Subsystem: "download",
			Name:      "entries_total",
			Help:      "Archive entries processed, by result.",
		}, []string{"result"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scistore",
			Subsystem: "download",
			Name:      "bytes_total",
			Help:      "File bytes copied into archives.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scistore",
			Subsystem: "download",
			Name:      "retries_total",
			Help:      "Entry source reopen attempts after a read failure.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.ticketsCreated, m.ticketsRedeemed, m.entries, m.bytes, m.retries)
	}
	return m
}
