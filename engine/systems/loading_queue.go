package systems

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"golang.org/x/exp/slices"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/resources/loaders"
)

// LoadingQueueEntry is a pending load request. There is at most one entry per
// resource; repeated requests merge into it.
type LoadingQueueEntry struct {
	ID resources.Identity
	// Priority is the effective priority, base priority plus aging.
	Priority resources.Priority
	// Due is the time of the earliest request merged into the entry.
	Due     time.Time
	Quality uint8

	base     resources.Priority
	seq      uint64
	resource *resources.Resource
}

type loadingQueue struct {
	entries []*LoadingQueueEntry
	index   map[resources.Identity]*LoadingQueueEntry
	aging   time.Duration
	seq     uint64
	cursor  int
	dirty   bool
}

func newLoadingQueue(aging time.Duration) *loadingQueue {
	return &loadingQueue{
		index: make(map[resources.Identity]*LoadingQueueEntry),
		aging: aging,
	}
}

/**
 * @brief Returns the priority of a request with the given base priority that
 * has been waiting for waited. Every full aging interval adds one level so
 * that low priority requests are eventually serviced.
 */
func EstimatePriority(base resources.Priority, waited, aging time.Duration) resources.Priority {
	if aging <= 0 || waited <= 0 {
		return base.Clamp()
	}
	boost := waited / aging
	if boost > time.Duration(resources.PriorityCritical) {
		boost = time.Duration(resources.PriorityCritical)
	}
	return (base + resources.Priority(boost)).Clamp()
}

func (q *loadingQueue) Len() int { return len(q.entries) }

// push adds an entry for r or merges the request into the existing one:
// highest quality, highest priority, earliest due time.
func (q *loadingQueue) push(r *resources.Resource, prio resources.Priority, now time.Time, quality uint8) *LoadingQueueEntry {
	id := r.Identity()
	if e, ok := q.index[id]; ok {
		if prio > e.base {
			e.base = prio
		}
		if now.Before(e.Due) {
			e.Due = now
		}
		if quality > e.Quality {
			e.Quality = quality
		}
		if p := EstimatePriority(e.base, now.Sub(e.Due), q.aging); p > e.Priority {
			e.Priority = p
		}
		q.dirty = true
		return e
	}

	q.seq++
	e := &LoadingQueueEntry{
		ID:       id,
		Priority: prio.Clamp(),
		Due:      now,
		Quality:  quality,
		base:     prio.Clamp(),
		seq:      q.seq,
		resource: r,
	}
	q.entries = append(q.entries, e)
	q.index[id] = e
	q.dirty = true
	return e
}

func (q *loadingQueue) remove(id resources.Identity) bool {
	e, ok := q.index[id]
	if !ok {
		return false
	}
	delete(q.index, id)
	if i := slices.Index(q.entries, e); i >= 0 {
		q.entries = slices.Delete(q.entries, i, i+1)
	}
	return true
}

func (q *loadingQueue) get(id resources.Identity) (*LoadingQueueEntry, bool) {
	e, ok := q.index[id]
	return e, ok
}

// reprioritize replaces the base priority of a queued entry.
func (q *loadingQueue) reprioritize(id resources.Identity, prio resources.Priority, now time.Time) {
	e, ok := q.index[id]
	if !ok {
		return
	}
	e.base = prio.Clamp()
	e.Priority = EstimatePriority(e.base, now.Sub(e.Due), q.aging)
	q.dirty = true
}

// age recomputes the priority of a fraction of the entries, continuing where
// the previous call stopped.
func (q *loadingQueue) age(fraction float64, now time.Time) {
	n := len(q.entries)
	if n == 0 || fraction <= 0 {
		return
	}
	count := int(math.Ceil(float64(n) * fraction))
	if count > n {
		count = n
	}
	for i := 0; i < count; i++ {
		q.cursor %= n
		e := q.entries[q.cursor]
		e.Priority = EstimatePriority(e.base, now.Sub(e.Due), q.aging)
		q.cursor++
	}
	q.dirty = true
}

func (q *loadingQueue) sort() {
	if !q.dirty {
		return
	}
	slices.SortStableFunc(q.entries, compareEntries)
	q.dirty = false
}

func compareEntries(a, b *LoadingQueueEntry) int {
	if a.Priority != b.Priority {
		return int(b.Priority) - int(a.Priority)
	}
	if !a.Due.Equal(b.Due) {
		if a.Due.Before(b.Due) {
			return -1
		}
		return 1
	}
	switch {
	case a.seq < b.seq:
		return -1
	case a.seq > b.seq:
		return 1
	}
	return 0
}

// pop removes and returns the most urgent entry.
func (q *loadingQueue) pop() *LoadingQueueEntry {
	if len(q.entries) == 0 {
		return nil
	}
	q.sort()
	e := q.entries[0]
	q.entries = slices.Delete(q.entries, 0, 1)
	delete(q.index, e.ID)
	return e
}

// snapshot returns copies of the entries in dispatch order.
func (q *loadingQueue) snapshot() []LoadingQueueEntry {
	q.sort()
	out := make([]LoadingQueueEntry, len(q.entries))
	for i, e := range q.entries {
		out[i] = *e
	}
	return out
}

func (q *loadingQueue) drain() []*LoadingQueueEntry {
	out := q.entries
	q.entries = nil
	q.index = make(map[resources.Identity]*LoadingQueueEntry)
	return out
}

func sortByLastAccess(rs []*resources.Resource) {
	slices.SortStableFunc(rs, func(a, b *resources.Resource) int {
		return a.LastAccess().Compare(b.LastAccess())
	})
}

func sortStrings(s []string) {
	slices.SortFunc(s, strings.Compare)
}

// loadJob carries one dispatched load through its pipeline stages.
type loadJob struct {
	rt      *registeredType
	r       *resources.Resource
	loader  loaders.TypeLoader
	req     resources.LoadRequest
	prio    resources.Priority
	started core.EventContext
}

func (s *ResourceSystem) beginLoadLocked(rt *registeredType, r *resources.Resource) *loadJob {
	req := r.BeginLoading()
	s.metrics.LoadStarted(rt.info.Name)
	return &loadJob{
		rt:      rt,
		r:       r,
		loader:  rt.loaderFor(r),
		req:     req,
		prio:    r.Priority(),
		started: s.event(core.EVENT_CODE_LOADING_STARTED, r),
	}
}

/**
 * @brief Advances the resource system. Must be called regularly by the
 * goroutine owning the main context: it runs main-goroutine content updates,
 * ages a fraction of the loading queue, dispatches the most urgent entries
 * while the pools have capacity and sweeps unused resources.
 */
func (s *ResourceSystem) Tick() {
	stopwatch := core.NewClock(s.clock)
	stopwatch.Start()

	s.runMainThreadTasks()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue.age(s.config.ReprioritizeFraction, s.clock.Now())

	var jobs []*loadJob
	for s.ioInFlight < s.config.MaxDataLoadTasks && s.computeInFlight < s.config.MaxUpdateContentTasks {
		e := s.queue.pop()
		if e == nil {
			break
		}
		r := e.resource
		if r.IsLoading() {
			// completion re-queues an unmet target
			r.Unqueue()
			continue
		}
		jobs = append(jobs, s.beginLoadLocked(s.typeOf(r), r))
		s.ioInFlight++
	}
	s.updateMetricsLocked()
	s.mu.Unlock()

	for _, job := range jobs {
		s.fire(job.started)
		s.submitDataLoad(job)
	}

	if s.config.FreeUnusedBudget > 0 {
		s.FreeUnusedResources(s.config.FreeUnusedBudget)
	}

	stopwatch.Update()
	s.metrics.TickUpdate(stopwatch.Elapsed())
}

func (s *ResourceSystem) updateMetricsLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.SetQueueLength(s.queue.Len())
	s.metrics.SetInFlight(JobTypeResourceLoad.String(), s.ioInFlight)
	s.metrics.SetInFlight(JobTypeGeneral.String(), s.computeInFlight)
	for _, rt := range s.types[1:] {
		mem := rt.memoryUsage()
		s.metrics.SetMemoryUsage(rt.info.Name, mem.CPU, mem.GPU)
	}
}

// QueueLength returns the number of load requests waiting for dispatch.
func (s *ResourceSystem) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// QueuedEntries returns the loading queue in dispatch order.
func (s *ResourceSystem) QueuedEntries() []LoadingQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.snapshot()
}

// InFlight returns the running data-load and update-content tasks.
func (s *ResourceSystem) InFlight() (dataLoads, contentUpdates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ioInFlight, s.computeInFlight
}

func jobPriorityFor(p resources.Priority) JobPriority {
	switch {
	case p >= resources.PriorityVeryHigh:
		return JobPriorityHigh
	case p >= resources.PriorityMedium:
		return JobPriorityNormal
	}
	return JobPriorityLow
}

// rejected reports whether the job system refused a task because it shut down.
// resourceJobGroup tags every pipeline job so Shutdown can wait for them on a shared job system.
const resourceJobGroup = "resources"

func rejected(th *TaskHandle) bool {
	select {
	case <-th.Done():
		return errors.Is(th.err, core.ErrSystemShutdown)
	default:
		return false
	}
}

func (s *ResourceSystem) submitDataLoad(job *loadJob) {
	var data []byte
	var loadErr error
	th := s.jobs.Submit(JobTask{
		JobType:  JobTypeResourceLoad,
		Priority: jobPriorityFor(job.prio),
		Group:    resourceJobGroup,
		OnStart: func() error {
			data, loadErr = s.readData(job)
			return nil
		},
		OnCompletionCallback: func() {
			s.onDataLoaded(job, data, loadErr)
		},
	})
	if rejected(th) {
		s.mu.Lock()
		s.ioInFlight--
		s.mu.Unlock()
		s.abortLoad(job)
	}
}

func (s *ResourceSystem) onDataLoaded(job *loadJob, data []byte, err error) {
	s.mu.Lock()
	s.ioInFlight--
	s.mu.Unlock()
	s.dispatchUpdate(job, data, err)
}

// dispatchUpdate hands loaded data to the update-content stage on the pool or
// main queue the type's affinity asks for.
func (s *ResourceSystem) dispatchUpdate(job *loadJob, data []byte, err error) {
	if err != nil {
		s.completeLoad(job, nil, resources.LoadDesc{}, err)
		return
	}
	s.mu.Lock()
	s.computeInFlight++
	s.mu.Unlock()

	update := func() {
		c, desc, err := s.decode(job, data)
		s.mu.Lock()
		s.computeInFlight--
		s.mu.Unlock()
		s.completeLoad(job, c, desc, err)
	}
	if job.rt.info.Affinity == resources.AffinityMainThread {
		s.enqueueMainThread(update)
		return
	}
	th := s.jobs.Submit(JobTask{
		JobType:  JobTypeGeneral,
		Priority: jobPriorityFor(job.prio),
		Group:    resourceJobGroup,
		OnStart: func() error {
			update()
			return nil
		},
	})
	if rejected(th) {
		s.mu.Lock()
		s.computeInFlight--
		s.mu.Unlock()
		s.abortLoad(job)
	}
}

// runLoadInline runs both pipeline stages on the calling goroutine.
func (s *ResourceSystem) runLoadInline(job *loadJob) {
	data, err := s.readData(job)
	var c resources.Content
	var desc resources.LoadDesc
	if err == nil {
		c, desc, err = s.decode(job, data)
	}
	s.completeLoad(job, c, desc, err)
}

// readData is the data-load stage: it drains the loader's stream into memory.
func (s *ResourceSystem) readData(job *loadJob) ([]byte, error) {
	if job.loader == nil {
		return nil, core.ErrNoLoader
	}
	req := loaders.Request{Key: job.req.Key, TypeName: job.req.TypeName, Quality: job.req.Quality}
	stream, lc, err := job.loader.OpenDataStream(s.ctx, req)
	if err != nil {
		return nil, fmt.Errorf("opening data stream: %w", err)
	}
	defer job.loader.CloseDataStream(req, lc)
	if stream == nil {
		return nil, core.ErrNullStream
	}
	defer stream.Close()

	data, err := io.ReadAll(stream)
	if err != nil {
		return nil, fmt.Errorf("reading data stream: %w", err)
	}
	return data, nil
}

// decode is the update-content stage: it builds fresh content from raw data.
func (s *ResourceSystem) decode(job *loadJob, data []byte) (c resources.Content, desc resources.LoadDesc, err error) {
	defer func() {
		if p := recover(); p != nil {
			c, err = nil, fmt.Errorf("content update panicked: %v", p)
		}
	}()
	c = job.rt.info.New()
	if c == nil {
		return nil, desc, fmt.Errorf("type '%s' created no content", job.rt.info.Name)
	}
	desc, err = c.UpdateContent(bytes.NewReader(data), job.req)
	if err != nil {
		return nil, desc, fmt.Errorf("updating content: %w", err)
	}
	if desc.QualityLevelsLoaded == 0 && !job.rt.info.BaselineContent {
		return nil, desc, fmt.Errorf("content reported no quality levels")
	}
	return c, desc, nil
}

/**
 * @brief Publishes the outcome of a load. Failures install the type's
 * placeholder and mark the resource missing. Waiters are released, and a
 * target raised while the load was running queues the next load.
 */
func (s *ResourceSystem) completeLoad(job *loadJob, c resources.Content, desc resources.LoadDesc, err error) {
	var placeholder resources.Content
	if err != nil {
		placeholder = job.rt.newMissing()
	}
	r, name := job.r, job.rt.info.Name

	s.mu.Lock()
	var events []core.EventContext
	if err != nil {
		r.FailLoading(placeholder)
		events = append(events,
			s.event(core.EVENT_CODE_LOADING_FINISHED, r),
			s.event(core.EVENT_CODE_RESOURCE_MISSING, r))
		s.metrics.LoadFinished(name, true)
	} else {
		r.FinishLoading(c, desc)
		events = append(events,
			s.event(core.EVENT_CODE_CONTENT_UPDATED, r),
			s.event(core.EVENT_CODE_LOADING_FINISHED, r))
		s.metrics.LoadFinished(name, false)
	}
	r.CompleteFuture()
	if !s.closed && r.NeedsLoad() && !r.IsQueued() {
		s.queue.push(r, r.Priority(), s.clock.Now(), r.TargetQuality())
		r.MarkQueued()
	}
	s.mu.Unlock()

	if err != nil {
		if errors.Is(err, core.ErrNoLoader) {
			s.configError("%v: '%s' (%s)", err, r.Key(), name)
		} else {
			core.LogError("Failed to load resource '%s' (%s): %v", r.Key(), name, err)
		}
	} else {
		core.LogDebug("Loaded resource '%s' (%s) at quality %d.", r.Key(), name, desc.QualityLevelsLoaded)
	}
	s.fire(events...)
}

// abortLoad undoes a dispatch whose tasks never ran.
func (s *ResourceSystem) abortLoad(job *loadJob) {
	s.mu.Lock()
	job.r.AbortLoading()
	job.r.CompleteFuture()
	s.mu.Unlock()
}
