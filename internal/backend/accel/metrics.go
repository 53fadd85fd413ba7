package accel

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	launchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opkernel_accel_launches_total",
		Help: "Device program launches by entry point and device",
	}, []string{"entry", "device"})

	bytesUploaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opkernel_accel_uploaded_bytes_total",
		Help: "Bytes staged from host slots into device buffers",
	}, []string{"device"})

	bytesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opkernel_accel_downloaded_bytes_total",
		Help: "Bytes read back from device buffers into host slots",
	}, []string{"device"})
)
