package controller

import (
	"sync"

	"github.com/sbidoul/runboat/internal/adapter/kubernetes"
	"github.com/sbidoul/runboat/internal/domain"
)

type jobKey struct {
	build string
	kind  domain.JobKind
}

// jobTracker mirrors the initialize and cleanup jobs seen on the watch
// stream. A succeeded cleanup job leaves a tombstone behind when the
// job object is deleted, so the cleaner does not recreate cleanup for a
// build whose teardown is already in flight.
type jobTracker struct {
	mu   sync.Mutex
	jobs map[jobKey]kubernetes.JobOutcome
}

func newJobTracker() *jobTracker {
	return &jobTracker{jobs: make(map[jobKey]kubernetes.JobOutcome)}
}

// Sync replaces the tracked state with the given snapshot, keeping
// the succeeded-cleanup tombstones the snapshot lacks (ForgetBuild
// drops them once the build's deployment is gone).
func (t *jobTracker) Sync(entries map[jobKey]kubernetes.JobOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, outcome := range t.jobs {
		if key.kind == domain.JobKindCleanup && outcome == kubernetes.JobSucceeded {
			if _, ok := entries[key]; !ok {
				entries[key] = outcome
			}
		}
	}
	t.jobs = entries
}

func (t *jobTracker) Set(build string, kind domain.JobKind, outcome kubernetes.JobOutcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[jobKey{build, kind}] = outcome
}

// Delete forgets a job. A succeeded cleanup job is kept as a tombstone
// until the build itself disappears.
func (t *jobTracker) Delete(build string, kind domain.JobKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := jobKey{build, kind}
	if kind == domain.JobKindCleanup && t.jobs[key] == kubernetes.JobSucceeded {
		return
	}
	delete(t.jobs, key)
}

// ForgetBuild drops all state of a build, tombstones included. Called
// when the build's deployment is gone.
func (t *jobTracker) ForgetBuild(build string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, jobKey{build, domain.JobKindInitialize})
	delete(t.jobs, jobKey{build, domain.JobKindCleanup})
}

// Get returns the tracked outcome of a build's job of a kind.
func (t *jobTracker) Get(build string, kind domain.JobKind) (kubernetes.JobOutcome, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	outcome, ok := t.jobs[jobKey{build, kind}]
	return outcome, ok
}

// Terminal returns a snapshot of the jobs in a terminal state.
func (t *jobTracker) Terminal() map[jobKey]kubernetes.JobOutcome {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[jobKey]kubernetes.JobOutcome)
	for key, outcome := range t.jobs {
		if outcome == kubernetes.JobSucceeded || outcome == kubernetes.JobFailed {
			out[key] = outcome
		}
	}
	return out
}
