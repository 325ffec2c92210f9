package recovery

import (
	"context"
	"time"

	"github.com/sushant-115/transx/core/xa"
)

// InDoubtRecord is a prepared branch found by a recovery scan.
type InDoubtRecord struct {
	Resource        string
	GlobalID        []byte
	BranchQualifier []byte
	Xid             xa.Xid
}

// Outcome is how recovery completed one in-doubt branch.
type Outcome string

const (
	OutcomeCommitted        Outcome = "committed"
	OutcomeRolledBack       Outcome = "rolled_back"
	OutcomeOrphaned         Outcome = "orphaned"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeHeuristic        Outcome = "heuristic"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeFailed           Outcome = "failed"
)

// Resolution is what recovery did with one in-doubt branch.
type Resolution struct {
	Record  InDoubtRecord
	Outcome Outcome
	Err     error
}

// ResourceReport summarizes recovery of one resource.
type ResourceReport struct {
	Resource    string
	Attempts    int
	Scanned     int
	Resolutions []Resolution
	Err         error
	Finished    time.Time
}

// Count returns the number of resolutions with outcome o.
func (r ResourceReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Resolutions {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Report collects the per-resource reports of one recovery run.
type Report struct {
	Resources []ResourceReport
}

// Failed lists resources whose recovery did not complete a scan.
func (r Report) Failed() []string {
	var out []string
	for _, rr := range r.Resources {
		if rr.Err != nil {
			out = append(out, rr.Resource)
		}
	}
	return out
}

// OrphanEvent is raised once per in-doubt branch that no transaction manager
// claimed. The branch has been rolled back; RollbackErr is set when that
// failed.
type OrphanEvent struct {
	Record      InDoubtRecord
	Err         error
	RollbackErr error
}

// Notifier receives orphaned-branch events. Implementations must not block.
type Notifier interface {
	OrphanedBranch(ctx context.Context, ev OrphanEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev OrphanEvent)

func (f NotifierFunc) OrphanedBranch(ctx context.Context, ev OrphanEvent) { f(ctx, ev) }
