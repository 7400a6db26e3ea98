package metrics

import "expvar"

var (
	CycleRuns        = expvar.NewInt("cycle_runs")
	CycleErrors      = expvar.NewInt("cycle_errors")
	ActionsSubmitted = expvar.NewInt("actions_submitted")
	ActionsReverted  = expvar.NewInt("actions_reverted")
	ActionsSkipped   = expvar.NewInt("actions_skipped")
	BlocksFetched    = expvar.NewInt("blocks_fetched")
	BlocksCached     = expvar.NewInt("blocks_cached")
	PricesCached     = expvar.NewInt("prices_cached")
)
