package systems

import (
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-resources/engine/core"
)

/** @brief Describes a type of job, which selects the pool it runs on. */
type JobType int

const (
	/**
	 * @brief A general job that does not have any specific thread requirements.
	 * Content decoding runs here.
	 */
	JobTypeGeneral JobType = iota
	/**
	 * @brief A resource loading job. These block on disk or network and get
	 * their own pool so they never starve decoding work.
	 */
	JobTypeResourceLoad
)

func (jt JobType) String() string {
	switch jt {
	case JobTypeGeneral:
		return "compute"
	case JobTypeResourceLoad:
		return "io"
	}
	return "unknown"
}

/**
 * @brief Determines which job queue a job uses. The high-priority queue is always
 * exhausted first before processing the normal-priority queue, which must also
 * be exhausted before processing the low-priority queue.
 */
type JobPriority int

const (
	JobPriorityLow JobPriority = iota
	JobPriorityNormal
	JobPriorityHigh
)

// JobTask describes a job to be run.
type JobTask struct {
	JobType  JobType
	Priority JobPriority
	// Group lets callers wait for a set of jobs with WaitForGroup.
	Group string
	// OnStart does the work. Required.
	OnStart func() error
	// OnComplete runs after OnStart succeeded. Optional.
	OnComplete func()
	// OnFailure runs after OnStart failed. Optional.
	OnFailure func(err error)
	// OnCompletionCallback always runs last. Optional.
	OnCompletionCallback func()
}

// TaskHandle tracks a submitted job.
type TaskHandle struct {
	done chan struct{}
	err  error
}

func newTaskHandle() *TaskHandle {
	return &TaskHandle{done: make(chan struct{})}
}

func (th *TaskHandle) finish(err error) {
	th.err = err
	close(th.done)
}

func (th *TaskHandle) Done() <-chan struct{} {
	return th.done
}

// Wait blocks until the job ran and returns the error of OnStart.
func (th *TaskHandle) Wait() error {
	<-th.done
	return th.err
}

type jobEntry struct {
	task   JobTask
	handle *TaskHandle
}

type jobPool struct {
	jobType    JobType
	numWorkers int
	queues     [3]chan *jobEntry
	quit       chan struct{}
}

// JobSystemConfig sizes the worker pools.
type JobSystemConfig struct {
	// Workers of the general (compute) pool.
	GeneralWorkers int
	// Workers of the resource load (I/O) pool.
	ResourceLoadWorkers int
	// Buffered capacity of each priority queue.
	QueueSize int
}

type JobSystem struct {
	pools map[JobType]*jobPool
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	groupsMu sync.Mutex
	groups   map[string]*sync.WaitGroup
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")

func NewJobSystem(config JobSystemConfig) (*JobSystem, error) {
	if config.GeneralWorkers <= 0 || config.ResourceLoadWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if config.QueueSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	js := &JobSystem{
		pools:  make(map[JobType]*jobPool, 2),
		groups: make(map[string]*sync.WaitGroup),
	}
	js.pools[JobTypeGeneral] = newJobPool(JobTypeGeneral, config.GeneralWorkers, config.QueueSize)
	js.pools[JobTypeResourceLoad] = newJobPool(JobTypeResourceLoad, config.ResourceLoadWorkers, config.QueueSize)

	for _, p := range js.pools {
		js.start(p)
	}

	core.LogDebug("Job system started (compute=%d, io=%d).", config.GeneralWorkers, config.ResourceLoadWorkers)
	return js, nil
}

func newJobPool(jobType JobType, numWorkers, queueSize int) *jobPool {
	p := &jobPool{
		jobType:    jobType,
		numWorkers: numWorkers,
		quit:       make(chan struct{}),
	}
	for i := range p.queues {
		p.queues[i] = make(chan *jobEntry, queueSize)
	}
	return p
}

// next picks the most urgent queued job, blocking until one is available or
// the pool quits.
func (p *jobPool) next() (*jobEntry, bool) {
	high, normal, low := p.queues[JobPriorityHigh], p.queues[JobPriorityNormal], p.queues[JobPriorityLow]
	select {
	case e := <-high:
		return e, true
	default:
	}
	select {
	case e := <-high:
		return e, true
	case e := <-normal:
		return e, true
	default:
	}
	select {
	case e := <-high:
		return e, true
	case e := <-normal:
		return e, true
	case e := <-low:
		return e, true
	case <-p.quit:
		// drain what was submitted before shutdown
		for _, q := range []chan *jobEntry{high, normal, low} {
			select {
			case e := <-q:
				return e, true
			default:
			}
		}
		return nil, false
	}
}

func (js *JobSystem) start(p *jobPool) {
	for i := 0; i < p.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for {
				entry, ok := p.next()
				if !ok {
					return
				}
				js.run(entry)
			}
		}()
	}
}

func (js *JobSystem) run(entry *jobEntry) {
	job := entry.task
	err := runJobStart(job.OnStart)
	if err != nil {
		core.LogError("%v", err)
		if job.OnFailure != nil {
			job.OnFailure(err)
		}
	} else if job.OnComplete != nil {
		job.OnComplete()
	}

	// Call the completion callback if set
	if job.OnCompletionCallback != nil {
		job.OnCompletionCallback()
	}
	entry.handle.finish(err)
	js.leaveGroup(job.Group)
}

func runJobStart(fn func() error) (err error) {
	if fn == nil {
		return fmt.Errorf("job has no entry point")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn()
}

/**
 * @brief Submits the provided job to be queued for execution. Submitting to a
 * shut down system returns an already finished handle carrying ErrSystemShutdown.
 */
func (js *JobSystem) Submit(jt JobTask) *TaskHandle {
	handle := newTaskHandle()

	js.mu.RLock()
	defer js.mu.RUnlock()
	if js.closed {
		handle.finish(core.ErrSystemShutdown)
		return handle
	}
	p, ok := js.pools[jt.JobType]
	if !ok {
		handle.finish(fmt.Errorf("unknown job type %d", jt.JobType))
		return handle
	}
	prio := jt.Priority
	if prio < JobPriorityLow || prio > JobPriorityHigh {
		prio = JobPriorityNormal
	}
	js.enterGroup(jt.Group)
	p.queues[prio] <- &jobEntry{task: jt, handle: handle}
	return handle
}

// AddWorkNonBlocking adds work and returns immediately even if the queue is full.
func (js *JobSystem) AddWorkNonBlocking(jt JobTask) {
	go js.Submit(jt)
}

// Workers returns the worker count of the pool serving jobType.
func (js *JobSystem) Workers(jobType JobType) int {
	if p, ok := js.pools[jobType]; ok {
		return p.numWorkers
	}
	return 0
}

func (js *JobSystem) enterGroup(group string) {
	if group == "" {
		return
	}
	js.groupsMu.Lock()
	defer js.groupsMu.Unlock()
	wg, ok := js.groups[group]
	if !ok {
		wg = &sync.WaitGroup{}
		js.groups[group] = wg
	}
	wg.Add(1)
}

func (js *JobSystem) leaveGroup(group string) {
	if group == "" {
		return
	}
	js.groupsMu.Lock()
	wg := js.groups[group]
	js.groupsMu.Unlock()
	if wg != nil {
		wg.Done()
	}
}

// WaitForGroup blocks until every job submitted with the group finished.
func (js *JobSystem) WaitForGroup(group string) {
	js.groupsMu.Lock()
	wg := js.groups[group]
	js.groupsMu.Unlock()
	if wg != nil {
		wg.Wait()
	}
}

/**
 * @brief Shuts the job system down. Queued jobs still run; new submissions are rejected.
 */
func (js *JobSystem) Shutdown() error {
	js.mu.Lock()
	if js.closed {
		js.mu.Unlock()
		return nil
	}
	js.closed = true
	for _, p := range js.pools {
		close(p.quit)
	}
	js.mu.Unlock()

	js.wg.Wait()
	return nil
}
