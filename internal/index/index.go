// Package index maintains the in-memory database of builds. It is kept
// up to date by the controller's deployment watcher and is the only
// shared mutable structure in the process: the watcher writes, everyone
// else reads snapshots.
package index

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/sbidoul/runboat/internal/domain"
)

// Event describes a change to the index.
type Event string

const (
	EventUpdated Event = "upd"
	EventDeleted Event = "del"
)

// Listener receives index change notifications. Listeners are called
// synchronously under no lock and must not block.
type Listener func(event Event, build *domain.Build)

type commitKey struct {
	repo         string
	targetBranch string
	pr           int
	gitCommit    string
}

// Index is the concurrent build index with counters for O(1) capacity
// queries and ordered snapshots for the reconciler queues.
type Index struct {
	mu        sync.RWMutex
	builds    map[string]*domain.Build
	byCommit  map[commitKey]string
	byStatus  map[domain.BuildStatus]int
	byInit    map[domain.InitStatus]int
	ready     bool
	readyCh   chan struct{}
	listeners []Listener
}

func New() *Index {
	return &Index{
		builds:   make(map[string]*domain.Build),
		byCommit: make(map[commitKey]string),
		byStatus: make(map[domain.BuildStatus]int),
		byInit:   make(map[domain.InitStatus]int),
		readyCh:  make(chan struct{}),
	}
}

// AddListener registers a change listener. Must be called before the
// watcher starts feeding the index.
func (x *Index) AddListener(l Listener) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.listeners = append(x.listeners, l)
}

// MarkReady is called by the watcher once the initial list has been
// applied. Until then reads fail with domain.ErrUnavailable upstream.
func (x *Index) MarkReady() {
	x.mu.Lock()
	defer x.mu.Unlock()
	if !x.ready {
		x.ready = true
		close(x.readyCh)
		slog.Info("build index ready", "builds", len(x.builds))
	}
}

// Ready reports whether the initial list has been applied.
func (x *Index) Ready() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.ready
}

// ReadyCh closes once the index is ready. It never reopens: a watch
// restart re-lists into the existing index without going unready.
func (x *Index) ReadyCh() <-chan struct{} {
	return x.readyCh
}

// Names returns the set of build names currently indexed. The watcher
// uses it when re-listing after a watch failure: fresh builds are
// upserted over the existing state and leftovers are removed, one
// ordinary delta at a time; readers may see the index between two of
// those deltas.
func (x *Index) Names() map[string]struct{} {
	x.mu.RLock()
	defer x.mu.RUnlock()
	names := make(map[string]struct{}, len(x.builds))
	for name := range x.builds {
		names[name] = struct{}{}
	}
	return names
}

// Upsert stores the build and notifies listeners when it differs from
// the stored one. Returns true when the index changed.
func (x *Index) Upsert(b *domain.Build) bool {
	x.mu.Lock()
	prev := x.builds[b.Name]
	if prev != nil && prev.Equal(b) {
		x.mu.Unlock()
		return false
	}
	if prev != nil {
		x.byStatus[prev.Status]--
		x.byInit[prev.InitStatus]--
	}
	x.builds[b.Name] = b
	x.byCommit[commitKeyOf(b)] = b.Name
	x.byStatus[b.Status]++
	x.byInit[b.InitStatus]++
	listeners := x.listeners
	x.mu.Unlock()

	if prev == nil {
		slog.Info("noticed new build", "build", b.Name, "status", b.Status, "init_status", b.InitStatus)
	} else {
		slog.Debug("noticed build update", "build", b.Name, "status", b.Status, "init_status", b.InitStatus)
	}
	for _, l := range listeners {
		l(EventUpdated, b)
	}
	return true
}

// Remove drops the build and notifies listeners. Unknown names are a
// no-op.
func (x *Index) Remove(name string) {
	x.mu.Lock()
	b, ok := x.builds[name]
	if !ok {
		x.mu.Unlock()
		return
	}
	delete(x.builds, name)
	delete(x.byCommit, commitKeyOf(b))
	x.byStatus[b.Status]--
	x.byInit[b.InitStatus]--
	listeners := x.listeners
	x.mu.Unlock()

	slog.Info("noticed removal of build", "build", name)
	for _, l := range listeners {
		l(EventDeleted, b)
	}
}

// Get returns a copy of the named build.
func (x *Index) Get(name string) (*domain.Build, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	b, ok := x.builds[name]
	if !ok {
		return nil, false
	}
	c := *b
	return &c, true
}

// GetForCommit returns the build for an exact commit tuple, if any.
func (x *Index) GetForCommit(ci domain.CommitInfo) (*domain.Build, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	name, ok := x.byCommit[commitKey{
		repo:         strings.ToLower(ci.Repo),
		targetBranch: ci.TargetBranch,
		pr:           ci.PR,
		gitCommit:    ci.GitCommit,
	}]
	if !ok {
		return nil, false
	}
	b := x.builds[name]
	if b == nil {
		return nil, false
	}
	c := *b
	return &c, true
}

// CountByStatus returns the number of builds with the derived status.
func (x *Index) CountByStatus(s domain.BuildStatus) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.byStatus[s]
}

// CountByInitStatus returns the number of builds with the init status.
func (x *Index) CountByInitStatus(s domain.InitStatus) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.byInit[s]
}

// CountAll returns the total number of builds.
func (x *Index) CountAll() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.builds)
}

// CountDeployed returns the number of builds not currently cleaning.
func (x *Index) CountDeployed() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.builds) - x.byStatus[domain.StatusCleaning]
}

// Filter restricts Search results. Zero values match everything.
type Filter struct {
	Repo         string
	TargetBranch string
	// Branch matches TargetBranch and additionally requires PR to be
	// unset, i.e. builds of the branch itself.
	Branch string
	PR     int
	Name   string
	Status domain.BuildStatus
}

// Matches reports whether a build passes the filter. Repo comparison is
// case-insensitive: builds store the normalized lowercase repo.
func (f Filter) Matches(b *domain.Build) bool {
	return f.matches(b)
}

func (f Filter) matches(b *domain.Build) bool {
	if f.Repo != "" && b.Repo != strings.ToLower(f.Repo) {
		return false
	}
	if f.TargetBranch != "" && b.TargetBranch != f.TargetBranch {
		return false
	}
	if f.Branch != "" && (b.TargetBranch != f.Branch || b.PR != 0) {
		return false
	}
	if f.PR != 0 && b.PR != f.PR {
		return false
	}
	if f.Name != "" && b.Name != f.Name {
		return false
	}
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	return true
}

// Search returns copies of all builds matching the filter, newest first
// within repo and branch groups.
func (x *Index) Search(f Filter) []*domain.Build {
	x.mu.RLock()
	out := make([]*domain.Build, 0, len(x.builds))
	for _, b := range x.builds {
		if f.matches(b) {
			c := *b
			out = append(out, &c)
		}
	}
	x.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Repo != b.Repo {
			return a.Repo < b.Repo
		}
		if a.PR != b.PR {
			return a.PR > b.PR
		}
		if a.TargetBranch != b.TargetBranch {
			return a.TargetBranch < b.TargetBranch
		}
		return a.Created.After(b.Created)
	})
	return out
}

// ToInitialize returns up to limit builds waiting for initialization,
// oldest init stamp first (the initializer queue).
func (x *Index) ToInitialize(limit int) []*domain.Build {
	return x.queue(limit, func(b *domain.Build) bool {
		return b.InitStatus == domain.InitStatusTodo && !b.Deleted
	}, func(a, b *domain.Build) bool {
		return a.InitStamp.Before(b.InitStamp)
	})
}

// OldestStarted returns up to limit started builds, least recently
// scaled first (the stopper queue).
func (x *Index) OldestStarted(limit int) []*domain.Build {
	return x.queue(limit, func(b *domain.Build) bool {
		return b.Status == domain.StatusStarted
	}, func(a, b *domain.Build) bool {
		return a.LastScaled.Before(b.LastScaled)
	})
}

// OldestStopped returns up to limit stopped or failed builds, oldest
// created first (the undeployer queue). Initializing and started builds
// are never offered for eviction.
func (x *Index) OldestStopped(limit int) []*domain.Build {
	return x.queue(limit, func(b *domain.Build) bool {
		return b.Status == domain.StatusStopped || b.Status == domain.StatusFailed
	}, func(a, b *domain.Build) bool {
		return a.Created.Before(b.Created)
	})
}

// Cleaning returns every build with a deletion timestamp, oldest first.
func (x *Index) Cleaning() []*domain.Build {
	return x.queue(0, func(b *domain.Build) bool {
		return b.Status == domain.StatusCleaning
	}, func(a, b *domain.Build) bool {
		return a.Created.Before(b.Created)
	})
}

func (x *Index) queue(limit int, keep func(*domain.Build) bool, less func(a, b *domain.Build) bool) []*domain.Build {
	x.mu.RLock()
	out := make([]*domain.Build, 0, 8)
	for _, b := range x.builds {
		if keep(b) {
			c := *b
			out = append(out, &c)
		}
	}
	x.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Repos returns the distinct repositories present in the index, sorted.
func (x *Index) Repos() []string {
	x.mu.RLock()
	seen := make(map[string]struct{})
	for _, b := range x.builds {
		seen[b.Repo] = struct{}{}
	}
	x.mu.RUnlock()
	out := make([]string, 0, len(seen))
	for r := range seen {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func commitKeyOf(b *domain.Build) commitKey {
	return commitKey{
		repo:         b.Repo,
		targetBranch: b.TargetBranch,
		pr:           b.PR,
		gitCommit:    b.GitCommit,
	}
}
