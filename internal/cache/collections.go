package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/npezzotti/jobpulse/internal/types"
)

// Collection is one client-side cache that may hold copies of a job.
// Implementations never mutate a slice that has been handed out; every
// write replaces the affected slices.
type Collection interface {
	Name() string
	// Lookup returns the saved flag of the first copy of jobId.
	Lookup(jobId string) (saved bool, ok bool)
	// Snapshot captures every copy of jobId. ok is false when the
	// collection holds none.
	Snapshot(jobId string) (Snapshot, bool)
	// SetSaved writes saved into every copy of jobId and returns how many
	// copies changed.
	SetSaved(jobId string, saved bool) int
	Restore(Snapshot)
	Jobs() []types.Job
	Invalidate()
	Stale() bool
}

// Install swaps loaded contents into a collection and returns the jobs it
// installed. The saved flag of every job in overrides is applied before
// the contents become visible.
type Install func(overrides map[string]bool) []types.Job

// Refresher is implemented by collections that can reload themselves from
// the backend.
type Refresher interface {
	Load(ctx context.Context) (Install, error)
}

// Fetcher is implemented by collections that load entries on demand.
type Fetcher interface {
	Fetch(ctx context.Context, key string) (Install, error)
}

func refresh(ctx context.Context, r Refresher) error {
	install, err := r.Load(ctx)
	if err != nil {
		return err
	}
	install(nil)
	return nil
}

func applyOverrides(jobs []types.Job, overrides map[string]bool) {
	for i := range jobs {
		if saved, ok := overrides[jobs[i].Id]; ok {
			jobs[i].IsSaved = saved
		}
	}
}

var ErrNoLoader = errors.New("collection has no loader")

// Snapshot holds the copies of one job in one collection, in traversal
// order, so they can be written back verbatim.
type Snapshot struct {
	Collection string
	JobId      string
	copies     []types.Job
}

func (s Snapshot) Copies() []types.Job {
	return append([]types.Job(nil), s.copies...)
}

func collectCopies(jobs []types.Job, jobId string, out []types.Job) []types.Job {
	for _, j := range jobs {
		if j.Id == jobId {
			out = append(out, j)
		}
	}
	return out
}

// withSaved returns jobs unchanged when no copy of jobId needs updating,
// otherwise a new slice.
func withSaved(jobs []types.Job, jobId string, saved bool) ([]types.Job, int) {
	var next []types.Job
	changed := 0
	for i, j := range jobs {
		if j.Id != jobId || j.IsSaved == saved {
			continue
		}
		if next == nil {
			next = append([]types.Job(nil), jobs...)
		}
		next[i].IsSaved = saved
		changed++
	}

	if next == nil {
		return jobs, 0
	}
	return next, changed
}

// withCopies writes copies back over the occurrences of jobId, consuming
// them in order from *pos. Extra occurrences reuse the last copy.
func withCopies(jobs []types.Job, jobId string, copies []types.Job, pos *int) []types.Job {
	if len(copies) == 0 {
		return jobs
	}

	var next []types.Job
	for i, j := range jobs {
		if j.Id != jobId {
			continue
		}
		c := copies[min(*pos, len(copies)-1)]
		*pos++
		if j == c {
			continue
		}
		if next == nil {
			next = append([]types.Job(nil), jobs...)
		}
		next[i] = c
	}

	if next == nil {
		return jobs
	}
	return next
}

type staleFlag struct {
	staleMu sync.Mutex
	stale   bool
}

func (f *staleFlag) Invalidate() {
	f.staleMu.Lock()
	f.stale = true
	f.staleMu.Unlock()
}

func (f *staleFlag) Stale() bool {
	f.staleMu.Lock()
	defer f.staleMu.Unlock()
	return f.stale
}

func (f *staleFlag) markFresh() {
	f.staleMu.Lock()
	f.stale = false
	f.staleMu.Unlock()
}

// PageLoader fetches one 1-based page of a list.
type PageLoader func(ctx context.Context, page int) ([]types.Job, error)

// PagedList caches a list endpoint page by page, e.g. the job search
// results or the saved jobs list.
type PagedList struct {
	staleFlag

	name string
	load PageLoader

	mu    sync.RWMutex
	pages [][]types.Job
}

func NewPagedList(name string, load PageLoader) *PagedList {
	return &PagedList{name: name, load: load}
}

func (p *PagedList) Name() string {
	return p.name
}

// SetPage stores jobs as the given 1-based page, growing the list with
// empty pages if needed.
func (p *PagedList) SetPage(page int, jobs []types.Job) {
	if page < 1 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	next := make([][]types.Job, max(len(p.pages), page))
	copy(next, p.pages)
	next[page-1] = append([]types.Job(nil), jobs...)
	p.pages = next
}

func (p *PagedList) Pages() [][]types.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([][]types.Job(nil), p.pages...)
}

func (p *PagedList) Jobs() []types.Job {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var jobs []types.Job
	for _, page := range p.pages {
		jobs = append(jobs, page...)
	}
	return jobs
}

func (p *PagedList) Lookup(jobId string) (bool, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, page := range p.pages {
		for _, j := range page {
			if j.Id == jobId {
				return j.IsSaved, true
			}
		}
	}
	return false, false
}

func (p *PagedList) Snapshot(jobId string) (Snapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var copies []types.Job
	for _, page := range p.pages {
		copies = collectCopies(page, jobId, copies)
	}
	if len(copies) == 0 {
		return Snapshot{}, false
	}
	return Snapshot{Collection: p.name, JobId: jobId, copies: copies}, true
}

func (p *PagedList) SetSaved(jobId string, saved bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var next [][]types.Job
	total := 0
	for i, page := range p.pages {
		updated, n := withSaved(page, jobId, saved)
		if n == 0 {
			continue
		}
		if next == nil {
			next = append([][]types.Job(nil), p.pages...)
		}
		next[i] = updated
		total += n
	}

	if next != nil {
		p.pages = next
	}
	return total
}

func (p *PagedList) Restore(s Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := append([][]types.Job(nil), p.pages...)
	pos := 0
	for i, page := range next {
		next[i] = withCopies(page, s.JobId, s.copies, &pos)
	}
	p.pages = next
}

// Load fetches every cached page, or the first page if none is cached.
func (p *PagedList) Load(ctx context.Context) (Install, error) {
	if p.load == nil {
		return nil, ErrNoLoader
	}

	count := max(len(p.Pages()), 1)
	pages := make([][]types.Job, count)
	for i := range pages {
		jobs, err := p.load(ctx, i+1)
		if err != nil {
			return nil, fmt.Errorf("load %s page %d: %w", p.name, i+1, err)
		}
		pages[i] = jobs
	}

	return func(overrides map[string]bool) []types.Job {
		var all []types.Job
		for _, page := range pages {
			applyOverrides(page, overrides)
			all = append(all, page...)
		}

		p.mu.Lock()
		p.pages = pages
		p.mu.Unlock()

		p.markFresh()
		return all
	}, nil
}

func (p *PagedList) Refresh(ctx context.Context) error {
	return refresh(ctx, p)
}

// DetailLoader fetches a single job.
type DetailLoader func(ctx context.Context, jobId string) (types.Job, error)

// DetailCache holds individually fetched jobs keyed by id.
type DetailCache struct {
	staleFlag

	name string
	load DetailLoader

	mu   sync.RWMutex
	jobs map[string]types.Job
}

func NewDetailCache(name string, load DetailLoader) *DetailCache {
	return &DetailCache{
		name: name,
		load: load,
		jobs: make(map[string]types.Job),
	}
}

func (d *DetailCache) Name() string {
	return d.name
}

func (d *DetailCache) Put(job types.Job) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = d.with(job)
}

// with returns a copy of the cache holding job. Callers hold d.mu.
func (d *DetailCache) with(job types.Job) map[string]types.Job {
	next := make(map[string]types.Job, len(d.jobs)+1)
	for k, v := range d.jobs {
		next[k] = v
	}
	next[job.Id] = job
	return next
}

func (d *DetailCache) Get(jobId string) (types.Job, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	j, ok := d.jobs[jobId]
	return j, ok
}

func (d *DetailCache) Jobs() []types.Job {
	d.mu.RLock()
	defer d.mu.RUnlock()

	jobs := make([]types.Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		jobs = append(jobs, j)
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Id < jobs[k].Id })
	return jobs
}

func (d *DetailCache) Lookup(jobId string) (bool, bool) {
	j, ok := d.Get(jobId)
	return j.IsSaved, ok
}

func (d *DetailCache) Snapshot(jobId string) (Snapshot, bool) {
	j, ok := d.Get(jobId)
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{Collection: d.name, JobId: jobId, copies: []types.Job{j}}, true
}

func (d *DetailCache) SetSaved(jobId string, saved bool) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	j, ok := d.jobs[jobId]
	if !ok || j.IsSaved == saved {
		return 0
	}

	j.IsSaved = saved
	d.jobs = d.with(j)
	return 1
}

func (d *DetailCache) Restore(s Snapshot) {
	if len(s.copies) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.jobs[s.JobId]; !ok {
		return
	}
	d.jobs = d.with(s.copies[0])
}

func (d *DetailCache) Load(ctx context.Context) (Install, error) {
	if d.load == nil {
		return nil, ErrNoLoader
	}

	d.mu.RLock()
	ids := make([]string, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)

	fresh := make([]types.Job, 0, len(ids))
	for _, id := range ids {
		j, err := d.load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load %s %s: %w", d.name, id, err)
		}
		fresh = append(fresh, j)
	}

	return func(overrides map[string]bool) []types.Job {
		applyOverrides(fresh, overrides)

		jobs := make(map[string]types.Job, len(fresh))
		for _, j := range fresh {
			jobs[j.Id] = j
		}

		d.mu.Lock()
		d.jobs = jobs
		d.mu.Unlock()

		d.markFresh()
		return fresh
	}, nil
}

func (d *DetailCache) Refresh(ctx context.Context) error {
	return refresh(ctx, d)
}

// Fetch loads jobId from the backend and caches it.
func (d *DetailCache) Fetch(ctx context.Context, jobId string) (Install, error) {
	if d.load == nil {
		return nil, ErrNoLoader
	}

	j, err := d.load(ctx, jobId)
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", d.name, jobId, err)
	}
	if j.Id == "" {
		j.Id = jobId
	}

	return func(overrides map[string]bool) []types.Job {
		jobs := []types.Job{j}
		applyOverrides(jobs, overrides)

		d.mu.Lock()
		d.jobs = d.with(jobs[0])
		d.mu.Unlock()

		return jobs
	}, nil
}

// GroupLoader fetches the group of jobs for key.
type GroupLoader func(ctx context.Context, key string) ([]types.Job, error)

// GroupedList holds lists keyed by another id, e.g. the jobs related to a
// given job.
type GroupedList struct {
	staleFlag

	name string
	load GroupLoader

	mu     sync.RWMutex
	groups map[string][]types.Job
}

func NewGroupedList(name string, load GroupLoader) *GroupedList {
	return &GroupedList{
		name:   name,
		load:   load,
		groups: make(map[string][]types.Job),
	}
}

func (g *GroupedList) Name() string {
	return g.name
}

func (g *GroupedList) Put(key string, jobs []types.Job) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.cloneGroups()
	next[key] = append([]types.Job(nil), jobs...)
	g.groups = next
}

func (g *GroupedList) Group(key string) []types.Job {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.groups[key]
}

func (g *GroupedList) Jobs() []types.Job {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var jobs []types.Job
	for _, key := range g.sortedKeys() {
		jobs = append(jobs, g.groups[key]...)
	}
	return jobs
}

func (g *GroupedList) Lookup(jobId string) (bool, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, key := range g.sortedKeys() {
		for _, j := range g.groups[key] {
			if j.Id == jobId {
				return j.IsSaved, true
			}
		}
	}
	return false, false
}

func (g *GroupedList) Snapshot(jobId string) (Snapshot, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var copies []types.Job
	for _, key := range g.sortedKeys() {
		copies = collectCopies(g.groups[key], jobId, copies)
	}
	if len(copies) == 0 {
		return Snapshot{}, false
	}
	return Snapshot{Collection: g.name, JobId: jobId, copies: copies}, true
}

func (g *GroupedList) SetSaved(jobId string, saved bool) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	var next map[string][]types.Job
	total := 0
	for key, jobs := range g.groups {
		updated, n := withSaved(jobs, jobId, saved)
		if n == 0 {
			continue
		}
		if next == nil {
			next = g.cloneGroups()
		}
		next[key] = updated
		total += n
	}

	if next != nil {
		g.groups = next
	}
	return total
}

func (g *GroupedList) Restore(s Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	next := g.cloneGroups()
	pos := 0
	for _, key := range g.sortedKeys() {
		next[key] = withCopies(next[key], s.JobId, s.copies, &pos)
	}
	g.groups = next
}

func (g *GroupedList) Load(ctx context.Context) (Install, error) {
	if g.load == nil {
		return nil, ErrNoLoader
	}

	g.mu.RLock()
	keys := g.sortedKeys()
	g.mu.RUnlock()

	fresh := make(map[string][]types.Job, len(keys))
	for _, key := range keys {
		jobs, err := g.load(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("load %s for %s: %w", g.name, key, err)
		}
		fresh[key] = jobs
	}

	return func(overrides map[string]bool) []types.Job {
		var all []types.Job
		for _, key := range keys {
			applyOverrides(fresh[key], overrides)
			all = append(all, fresh[key]...)
		}

		g.mu.Lock()
		g.groups = fresh
		g.mu.Unlock()

		g.markFresh()
		return all
	}, nil
}

func (g *GroupedList) Refresh(ctx context.Context) error {
	return refresh(ctx, g)
}

// Fetch loads the group for key from the backend and caches it.
func (g *GroupedList) Fetch(ctx context.Context, key string) (Install, error) {
	if g.load == nil {
		return nil, ErrNoLoader
	}

	jobs, err := g.load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s for %s: %w", g.name, key, err)
	}

	return func(overrides map[string]bool) []types.Job {
		applyOverrides(jobs, overrides)

		g.mu.Lock()
		next := g.cloneGroups()
		next[key] = jobs
		g.groups = next
		g.mu.Unlock()

		return append([]types.Job(nil), jobs...)
	}, nil
}

func (g *GroupedList) cloneGroups() map[string][]types.Job {
	next := make(map[string][]types.Job, len(g.groups)+1)
	for k, v := range g.groups {
		next[k] = v
	}
	return next
}

// sortedKeys gives copies a stable traversal order. Callers hold g.mu.
func (g *GroupedList) sortedKeys() []string {
	keys := make([]string, 0, len(g.groups))
	for k := range g.groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
