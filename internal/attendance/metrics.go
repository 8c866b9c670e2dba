package attendance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checkInOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_checkins_total",
		Help: "Check-in attempts by outcome.",
	}, []string{"outcome"})

	gallerySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "faceattend_gallery_samples",
		Help: "Labeled samples in the most recently built gallery.",
	})
)
