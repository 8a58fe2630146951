// Package promcollector adapts metrics.Collector to a
// prometheus.Collector, grounded on go-hdb's
// driver/prometheus/collectors package.
package promcollector

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/distcore/router/metrics"
)

const namespace = "distcore_router"

type statsSource interface {
	Stats() metrics.Stats
}

var verbTexts = metrics.VerbTexts()

type collector struct {
	s statsSource

	openPeerSessions *prometheus.Desc
	inFlight         *prometheus.Desc
	rowsRouted       *prometheus.Desc
	peerBytesSent    *prometheus.Desc
	dispatchTimes    *prometheus.Desc
}

// New returns a prometheus.Collector that exports s's metrics under a
// fixed namespace, labeled with the router's own node identity.
func New(s statsSource, nodeID string) prometheus.Collector {
	fqName := func(name string) string { return namespace + "_" + name }
	labels := prometheus.Labels{"node": nodeID}
	return &collector{
		s: s,
		openPeerSessions: prometheus.NewDesc(
			fqName("open_peer_sessions"),
			"The number of pooled peer sessions currently open.",
			nil, labels,
		),
		inFlight: prometheus.NewDesc(
			fqName("in_flight_statements"),
			"The number of statements currently being dispatched.",
			nil, labels,
		),
		rowsRouted: prometheus.NewDesc(
			fqName("rows_routed_total"),
			"The total number of rows routed to a peer or executed locally.",
			nil, labels,
		),
		peerBytesSent: prometheus.NewDesc(
			fqName("peer_bytes_sent_total"),
			"The total bytes sent to peer sessions.",
			nil, labels,
		),
		dispatchTimes: prometheus.NewDesc(
			fqName("dispatch_duration_ms"),
			"Dispatch duration in milliseconds, by verb.",
			[]string{"verb"}, labels,
		),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.openPeerSessions
	ch <- c.inFlight
	ch <- c.rowsRouted
	ch <- c.peerBytesSent
	for range verbTexts {
		ch <- c.dispatchTimes
	}
}

func buckets(h metrics.Histogram) map[float64]uint64 {
	out := make(map[float64]uint64, len(h.Buckets))
	for k, v := range h.Buckets {
		out[float64(k)] = v
	}
	return out
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.s.Stats()
	ch <- prometheus.MustNewConstMetric(c.openPeerSessions, prometheus.GaugeValue, float64(stats.OpenPeerSessions))
	ch <- prometheus.MustNewConstMetric(c.inFlight, prometheus.GaugeValue, float64(stats.InFlight))
	ch <- prometheus.MustNewConstMetric(c.rowsRouted, prometheus.CounterValue, float64(stats.RowsRouted))
	ch <- prometheus.MustNewConstMetric(c.peerBytesSent, prometheus.CounterValue, float64(stats.PeerBytesSent))
	for i, h := range stats.Times {
		if i >= len(verbTexts) {
			break
		}
		ch <- prometheus.MustNewConstHistogram(c.dispatchTimes, h.Count, float64(h.SumMS), buckets(h), verbTexts[i])
	}
}
