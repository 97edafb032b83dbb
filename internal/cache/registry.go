package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/npezzotti/jobpulse/internal/types"
)

// Collection names, in lookup priority order.
const (
	JobList     = "job_list"
	JobDetail   = "job_detail"
	Recommended = "recommended"
	Related     = "related"
	SavedJobs   = "saved_jobs"
	AppliedJobs = "applied_jobs"
)

var (
	ErrDuplicateCollection = errors.New("collection already registered")
	ErrUnknownCollection   = errors.New("unknown collection")
	ErrNotFetchable        = errors.New("collection cannot fetch entries")
)

// Registry is the ordered set of collections that may hold a job. The
// registration order is the priority order used to read a job's current
// saved flag.
type Registry struct {
	mu          sync.Mutex
	collections []Collection
	byName      map[string]Collection
	// latest pending transaction per job
	pending map[string]*Transaction
}

func NewRegistry(collections ...Collection) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]Collection),
		pending: make(map[string]*Transaction),
	}

	for _, c := range collections {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) Register(c Collection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byName[c.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCollection, c.Name())
	}

	r.collections = append(r.collections, c)
	r.byName[c.Name()] = c
	return nil
}

func (r *Registry) Get(name string) (Collection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byName[name]
	return c, ok
}

func (r *Registry) Collections() []Collection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Collection(nil), r.collections...)
}

// Lookup returns the saved flag from the first collection holding jobId.
func (r *Registry) Lookup(jobId string) (bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookup(jobId)
}

func (r *Registry) lookup(jobId string) (bool, bool) {
	for _, c := range r.collections {
		if saved, ok := c.Lookup(jobId); ok {
			return saved, true
		}
	}
	return false, false
}

// Begin flips the saved flag of jobId in every collection holding it and
// returns the transaction that either keeps or undoes the change. Reading
// the current flag, taking snapshots and applying the new value happen
// under one lock, so no other Begin can interleave.
func (r *Registry) Begin(jobId string) *Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, _ := r.lookup(jobId)
	tx := &Transaction{
		reg:      r,
		JobId:    jobId,
		Previous: previous,
		Value:    !previous,
	}

	for _, c := range r.collections {
		if s, ok := c.Snapshot(jobId); ok {
			tx.snapshots = append(tx.snapshots, s)
		}
	}
	for _, c := range r.collections {
		c.SetSaved(jobId, tx.Value)
	}

	if last := r.pending[jobId]; last != nil {
		tx.prev = last
		last.next = tx
	}
	r.pending[jobId] = tx

	return tx
}

// Pending reports whether jobId has a transaction in flight.
func (r *Registry) Pending(jobId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending[jobId] != nil
}

// RefreshStale reloads every stale collection that can refresh itself.
// The values of transactions still in flight are applied to the reloaded
// contents before they replace the cached ones, so a reload never hides an
// optimistic update.
func (r *Registry) RefreshStale(ctx context.Context) error {
	var errs []error
	for _, c := range r.Collections() {
		if !c.Stale() {
			continue
		}
		rf, ok := c.(Refresher)
		if !ok {
			continue
		}

		install, err := rf.Load(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		r.install(c, install)
	}

	return errors.Join(errs...)
}

// Fetch loads key into the named collection and returns the jobs loaded
// for it, with the values of transactions in flight applied.
func (r *Registry) Fetch(ctx context.Context, name, key string) ([]types.Job, error) {
	c, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	f, ok := c.(Fetcher)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFetchable, name)
	}

	install, err := f.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return r.install(c, install), nil
}

func (r *Registry) install(c Collection, install Install) []types.Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	overrides := make(map[string]bool, len(r.pending))
	for jobId, tx := range r.pending {
		overrides[jobId] = tx.Value
	}

	jobs := install(overrides)
	r.resnapshot(c)
	return jobs
}

// resnapshot replaces the snapshots of c held by transactions in flight
// with copies of its reloaded contents, carrying the saved flag each
// transaction found. Callers hold r.mu.
func (r *Registry) resnapshot(c Collection) {
	for jobId, last := range r.pending {
		for tx := last; tx != nil; tx = tx.prev {
			snapshots := make([]Snapshot, 0, len(tx.snapshots)+1)
			for _, s := range tx.snapshots {
				if s.Collection != c.Name() {
					snapshots = append(snapshots, s)
				}
			}

			if s, ok := c.Snapshot(jobId); ok {
				for i := range s.copies {
					s.copies[i].IsSaved = tx.Previous
				}
				snapshots = append(snapshots, s)
			}
			tx.snapshots = snapshots
		}
	}
}

func (r *Registry) unlink(tx *Transaction) {
	if tx.prev != nil {
		tx.prev.next = tx.next
	}
	if tx.next != nil {
		tx.next.prev = tx.prev
	}

	if r.pending[tx.JobId] == tx {
		if tx.prev != nil {
			r.pending[tx.JobId] = tx.prev
		} else {
			delete(r.pending, tx.JobId)
		}
	}

	tx.prev, tx.next = nil, nil
}

// Transaction is one optimistic toggle. Exactly one of Commit or Rollback
// takes effect; later calls are no-ops.
//
// Toggles of the same job that overlap form a chain. A transaction that
// fails while a later one is still in flight leaves the caches alone and
// hands its snapshots to that later transaction, so the newest request
// decides the final value. A transaction overtaken by a committed one
// leaves the caches alone as well.
type Transaction struct {
	reg *Registry

	JobId    string
	Previous bool
	Value    bool

	snapshots  []Snapshot
	prev       *Transaction
	next       *Transaction
	overridden bool
	done       bool
}

func (tx *Transaction) Snapshots() []Snapshot {
	tx.reg.mu.Lock()
	defer tx.reg.mu.Unlock()
	return append([]Snapshot(nil), tx.snapshots...)
}

// Commit keeps the optimistic value and marks the collections that held
// the job as stale.
func (tx *Transaction) Commit() bool {
	r := tx.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx.done {
		return false
	}
	tx.done = true

	for p := tx.prev; p != nil; p = p.prev {
		p.overridden = true
	}
	for _, s := range tx.snapshots {
		if c, ok := r.byName[s.Collection]; ok {
			c.Invalidate()
		}
	}

	r.unlink(tx)
	return true
}

// Rollback undoes the optimistic value. It reports whether the caches were
// restored.
func (tx *Transaction) Rollback() bool {
	r := tx.reg
	r.mu.Lock()
	defer r.mu.Unlock()

	if tx.done {
		return false
	}
	tx.done = true

	restored := false
	switch {
	case tx.overridden:
	case tx.next != nil:
		tx.next.snapshots = tx.snapshots
	default:
		for _, s := range tx.snapshots {
			if c, ok := r.byName[s.Collection]; ok {
				c.Restore(s)
			}
		}
		restored = true
	}

	r.unlink(tx)
	return restored
}
