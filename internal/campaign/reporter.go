package campaign

import (
	"sync"

	"github.com/foxzi/mailrun/internal/metrics"
)

// Reporter turns run events into store updates for one campaign. It also
// keeps its own counters so a run that dies mid-loop still reports what
// it sent.
type Reporter struct {
	store Store
	id    string

	mu      sync.Mutex
	results Results
}

func NewReporter(store Store, id string, resumeFrom int) *Reporter {
	return &Reporter{store: store, id: id, results: Results{Skipped: resumeFrom}}
}

// Observe implements Observer
func (r *Reporter) Observe(ev Event) {
	r.mu.Lock()
	switch ev.Phase {
	case PhaseSent:
		r.results.Success++
	case PhaseFailed:
		r.results.Failed++
	}
	r.mu.Unlock()

	r.store.UpdateProgress(r.id, ev.Percent, ev.Recipient, ev.Phase)
}

// Results returns the counters seen so far
func (r *Reporter) Results() Results {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results
}

// Finish records the final state of a run. A canceled run is paused;
// every other halt, including a provider block, completes the campaign
// with the partial results and the index to resume from.
func (r *Reporter) Finish(out Outcome) Status {
	status := StatusCompleted
	if out.Halt == HaltCanceled {
		status = StatusPaused
		r.store.Pause(r.id, out)
	} else {
		r.store.Complete(r.id, out)
	}
	metrics.CampaignFinished(string(status), string(out.Halt))
	return status
}

// Fail records an unexpected error that ended the run
func (r *Reporter) Fail(err error) {
	r.store.Fail(r.id, r.Results(), err)
	metrics.CampaignFinished(string(StatusFailed), "")
}
