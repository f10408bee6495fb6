package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{Name: "vpn_connect_attempts_total", Help: "Tunnel connect attempts"})
	connectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vpn_connect_failures_total", Help: "Failed connect attempts by phase"}, []string{"phase"})
	tunnelUp             = promauto.NewGauge(prometheus.GaugeOpts{Name: "vpn_tunnel_up", Help: "1 while a tunnel is established"})
	packetsTotal         = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vpn_packets_total", Help: "IPv4 packets through the tunnel"}, []string{"direction"})
	bytesTotal           = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vpn_bytes_total", Help: "IPv4 bytes through the tunnel"}, []string{"direction"})
	packetsFilteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "vpn_packets_filtered_total", Help: "Outbound packets not tunneled, by reason"}, []string{"reason"})
	greDroppedTotal      = promauto.NewCounter(prometheus.CounterOpts{Name: "vpn_gre_dropped_total", Help: "Malformed GRE datagrams dropped"})
)

const (
	dirIn  = "in"
	dirOut = "out"
)
