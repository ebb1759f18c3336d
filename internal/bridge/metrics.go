package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytun_bridge_tx_bytes_total",
		Help: "Bytes forwarded from local clients toward the proxy.",
	})
	metricRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytun_bridge_rx_bytes_total",
		Help: "Bytes delivered from the proxy back to local clients.",
	})
	metricTxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytun_bridge_tx_packets_total",
		Help: "Packets forwarded from local clients toward the proxy.",
	})
	metricRxPackets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polytun_bridge_rx_packets_total",
		Help: "Packets delivered from the proxy back to local clients.",
	})
)
