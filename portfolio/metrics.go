package portfolio

import "github.com/prometheus/client_golang/prometheus"

var (
	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_ops_total",
		Help: "Completed ledger operations by type.",
	}, []string{"op"})
	opReplays = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_op_replays_total",
		Help: "Operations answered verbatim from the idempotency cache.",
	}, []string{"op"})
	opRejects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portfolio_op_rejects_total",
		Help: "Operations rejected by a domain rule, by type and error code.",
	}, []string{"op", "code"})
	snapshotWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "portfolio_snapshot_writes_total",
		Help: "Daily snapshot rows written or updated.",
	})
)

func init() {
	prometheus.MustRegister(
		opTotal,
		opReplays,
		opRejects,
		snapshotWrites,
	)
}
