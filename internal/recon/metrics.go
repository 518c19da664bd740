package recon

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apparel_payment_classifications_total",
			Help: "Payment classification decisions by outcome",
		},
		[]string{"outcome"},
	)

	allocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apparel_inventory_allocations_total",
			Help: "Inventory allocation attempts by mode and result",
		},
		[]string{"mode", "result"},
	)
)
