package router

import "github.com/prometheus/client_golang/prometheus"

var (
	updatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_updates_total",
		Help: "Incoming Telegram updates by outcome.",
	}, []string{"outcome"})
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "router_dispatch_total",
		Help: "Backend dispatches by service and result code.",
	}, []string{"service", "code"})
	repliesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "router_replies_dropped_total",
		Help: "Replies dropped because the outbound queue was full.",
	})
)

func init() {
	prometheus.MustRegister(
		updatesTotal,
		dispatchTotal,
		repliesDropped,
	)
}
