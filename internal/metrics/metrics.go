// Package metrics exposes the ambient observability surface (SPEC_FULL §4.11):
// a small set of Prometheus collectors tracking live proxy counts, bytes
// copied, and auth denials. Nothing in this package opens an HTTP listener
// — the spec has no metrics-endpoint surface — an operator embedding
// Trust0 can register Registry with their own exporter.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the collector registry Trust0 populates; embedders wire it
// into their own /metrics exporter if they want one.
var Registry = prometheus.NewRegistry()

var (
	proxiesOpen = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "trust0_proxies_open",
		Help: "Number of currently open proxy tunnels, by service.",
	}, []string{"service_id"})

	bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust0_proxy_bytes_total",
		Help: "Total bytes copied through proxy tunnels, by service and direction.",
	}, []string{"service_id", "direction"})

	authDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trust0_auth_denials_total",
		Help: "Total control-plane authorization denials, by response code.",
	}, []string{"code"})
)

func init() {
	Registry.MustRegister(proxiesOpen, bytesTotal, authDenials)
}

func serviceLabel(serviceID uint64) string {
	return strconv.FormatUint(serviceID, 10)
}

// ProxiesOpen returns the gauge for a single service's open-tunnel count.
func ProxiesOpen(serviceID uint64) prometheus.Gauge {
	return proxiesOpen.WithLabelValues(serviceLabel(serviceID))
}

// BytesCopied returns the counter for bytes copied in one direction for a service.
func BytesCopied(serviceID uint64, direction string) prometheus.Counter {
	return bytesTotal.WithLabelValues(serviceLabel(serviceID), direction)
}

// AuthDenial increments the denial counter for a given control-plane response code.
func AuthDenial(code uint16) {
	authDenials.WithLabelValues(strconv.FormatUint(uint64(code), 10)).Inc()
}
