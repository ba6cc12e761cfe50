// Package metrics exposes this module's collectors: gauges and
// counters a host application can register with its own exporter. This
// package never starts an HTTP server or registers against prometheus'
// global DefaultRegisterer — exposition is the host's job.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Sources supplies the live values the gauges sample at scrape time.
// Each field is typically a method value: peer.Manager.ConnectionCount,
// distributed.Manager.ChildCount, waiter.Registry.Len. Nil fields
// sample as zero.
type Sources struct {
	PeerConnections     func() int
	DistributedChildren func() int
	WaiterTableSize     func() int
}

func sample(f func() int) func() float64 {
	return func() float64 {
		if f == nil {
			return 0
		}
		return float64(f())
	}
}

// Collectors bundles every metric this module produces. Construct one
// with NewCollectors, hand the counters to the components that update
// them, and register Collectors.All() with whichever
// prometheus.Registerer the host application uses.
type Collectors struct {
	ActivePeerConnections      prometheus.GaugeFunc
	ActiveDistributedChildren  prometheus.GaugeFunc
	WaiterTableSize            prometheus.GaugeFunc
	SearchRequestsForwarded    prometheus.Counter
	SearchRequestsDeduplicated prometheus.Counter
	UploadBytesTransferred     prometheus.Counter
	DownloadBytesTransferred   prometheus.Counter
	TransfersCompleted         *prometheus.CounterVec
}

// NewCollectors builds a fresh, unregistered Collectors set. namespace
// is used as the prometheus metric namespace (e.g. "soulseek").
func NewCollectors(namespace string, sources Sources) *Collectors {
	return &Collectors{
		ActivePeerConnections: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_peer_connections",
			Help:      "Number of currently healthy peer message connections.",
		}, sample(sources.PeerConnections)),
		ActiveDistributedChildren: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_distributed_children",
			Help:      "Number of distributed child connections currently attached.",
		}, sample(sources.DistributedChildren)),
		WaiterTableSize: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "waiter_table_size",
			Help:      "Number of outstanding entries in the waiter registry.",
		}, sample(sources.WaiterTableSize)),
		SearchRequestsForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_forwarded_total",
			Help:      "SearchRequest frames broadcast to distributed children.",
		}),
		SearchRequestsDeduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_requests_deduplicated_total",
			Help:      "SearchRequest frames dropped as duplicates of the last frame on their connection.",
		}),
		UploadBytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes streamed to peers across all completed and in-flight uploads.",
		}),
		DownloadBytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_bytes_total",
			Help:      "Bytes received from peers across all completed and in-flight downloads.",
		}),
		TransfersCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_completed_total",
			Help:      "Transfers reaching a terminal state, labeled by direction and outcome.",
		}, []string{"direction", "outcome"}),
	}
}

// All returns every collector, ready to pass to a Registerer's
// MustRegister or Register.
func (c *Collectors) All() []prometheus.Collector {
	return []prometheus.Collector{
		c.ActivePeerConnections,
		c.ActiveDistributedChildren,
		c.WaiterTableSize,
		c.SearchRequestsForwarded,
		c.SearchRequestsDeduplicated,
		c.UploadBytesTransferred,
		c.DownloadBytesTransferred,
		c.TransfersCompleted,
	}
}
