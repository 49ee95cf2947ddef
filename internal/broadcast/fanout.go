package broadcast

import (
	"TrancheLedger/internal/core"
	"TrancheLedger/internal/observability"
	"TrancheLedger/internal/persistence"
)

// Fanout returns an OnFlush hook that hands each durable output to every
// sink. Sends never block the persistence worker; a full sink drops the
// output and counts it.
func Fanout(metrics *observability.Metrics, sinks ...chan<- core.CoreOutput) func([]persistence.Rows) {
	return func(batch []persistence.Rows) {
		for i := range batch {
			out := batch[i].Source
			if out.Envelope == nil {
				continue
			}
			for _, sink := range sinks {
				select {
				case sink <- out:
				default:
					if metrics != nil {
						metrics.PublishDrops.Inc()
					}
				}
			}
		}
	}
}
