package systems

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/spaghettifunk/anima-resources/engine/containers"
	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/resources/loaders"
)

/** @brief The configuration for the resource system */
type ResourceSystemConfig struct {
	/** @brief Programmer errors (unknown types, missing fallbacks, unbalanced releases) become fatal and acquires are tracked. */
	Debug bool
	/** @brief Maximum data-load tasks in flight on the I/O pool. */
	MaxDataLoadTasks int
	/** @brief Maximum update-content tasks in flight on the compute pool and main queue. */
	MaxUpdateContentTasks int
	/** @brief Share of the loading queue re-prioritised per tick, in (0, 1]. */
	ReprioritizeFraction float64
	/** @brief A queued entry gains one priority level per interval waited. */
	PriorityAgingInterval time.Duration
	/** @brief Time budget of the unused sweep run by Tick. Zero leaves sweeping to the host. */
	FreeUnusedBudget time.Duration
	/** @brief Idle time after which unreferenced resources are freed, for types without their own timeout. */
	AutoFreeUnusedTimeout time.Duration
	/** @brief Initial capacity of the main-goroutine task queue. */
	MainThreadQueueSize int
}

func DefaultResourceSystemConfig() ResourceSystemConfig {
	return ResourceSystemConfig{
		MaxDataLoadTasks:      4,
		MaxUpdateContentTasks: 4,
		ReprioritizeFraction:  0.25,
		PriorityAgingInterval: time.Second,
		AutoFreeUnusedTimeout: 30 * time.Second,
		MainThreadQueueSize:   64,
	}
}

func (c *ResourceSystemConfig) applyDefaults() {
	d := DefaultResourceSystemConfig()
	if c.MaxDataLoadTasks == 0 {
		c.MaxDataLoadTasks = d.MaxDataLoadTasks
	}
	if c.MaxUpdateContentTasks == 0 {
		c.MaxUpdateContentTasks = d.MaxUpdateContentTasks
	}
	if c.ReprioritizeFraction == 0 {
		c.ReprioritizeFraction = d.ReprioritizeFraction
	}
	if c.PriorityAgingInterval == 0 {
		c.PriorityAgingInterval = d.PriorityAgingInterval
	}
	if c.AutoFreeUnusedTimeout == 0 {
		c.AutoFreeUnusedTimeout = d.AutoFreeUnusedTimeout
	}
	if c.MainThreadQueueSize == 0 {
		c.MainThreadQueueSize = d.MainThreadQueueSize
	}
}

func (c ResourceSystemConfig) Validate() error {
	if c.MaxDataLoadTasks < 0 || c.MaxUpdateContentTasks < 0 {
		return fmt.Errorf("%w: task limits must be positive (io=%d, compute=%d)", core.ErrInvalidConfig, c.MaxDataLoadTasks, c.MaxUpdateContentTasks)
	}
	if c.ReprioritizeFraction < 0 || c.ReprioritizeFraction > 1 {
		return fmt.Errorf("%w: reprioritize fraction %.2f is outside (0, 1]", core.ErrInvalidConfig, c.ReprioritizeFraction)
	}
	if c.PriorityAgingInterval < 0 || c.FreeUnusedBudget < 0 || c.AutoFreeUnusedTimeout < 0 {
		return fmt.Errorf("%w: durations must not be negative", core.ErrInvalidConfig)
	}
	if c.MainThreadQueueSize < 0 {
		return fmt.Errorf("%w: main thread queue size must not be negative", core.ErrInvalidConfig)
	}
	return nil
}

type ResourceSystemOption func(*ResourceSystem)

// WithClock replaces the wall clock, e.g. with clock.NewMock() in tests.
func WithClock(c clock.Clock) ResourceSystemOption {
	return func(s *ResourceSystem) { s.clock = c }
}

func WithEventSystem(es *core.EventSystem) ResourceSystemOption {
	return func(s *ResourceSystem) { s.events = es }
}

func WithMetrics(m *core.ResourceMetrics) ResourceSystemOption {
	return func(s *ResourceSystem) { s.metrics = m }
}

// WithJobSystem shares an existing job system. Its lifetime stays with the caller.
func WithJobSystem(js *JobSystem) ResourceSystemOption {
	return func(s *ResourceSystem) { s.jobs = js }
}

type namedResource struct {
	tag resources.TypeTag
	key string
}

/**
 * @brief The registry of every live resource. All lookups, loads, acquires and
 * evictions go through it. The mutex guards the type tables, the loading
 * queue and the resources' transitions; it is always taken before a resource's
 * own lock and never held while calling into loaders or content.
 */
type ResourceSystem struct {
	config   ResourceSystemConfig
	clock    clock.Clock
	events   *core.EventSystem
	metrics  *core.ResourceMetrics
	jobs     *JobSystem
	ownsJobs bool
	symbols  *core.SymbolTable

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	types           []*registeredType
	typesByName     map[string]resources.TypeTag
	extensions      map[string]resources.TypeTag
	overrides       map[resources.TypeTag]resources.TypeTag
	named           map[string]namedResource
	queue           *loadingQueue
	sweepCursor     int
	ioInFlight      int
	computeInFlight int
	acquires        map[resources.Identity]int
	closed          bool

	mainMu    sync.Mutex
	mainQueue *containers.RingQueue[func()]
	mainWake  chan struct{}
}

func NewResourceSystem(config ResourceSystemConfig, opts ...ResourceSystemOption) (*ResourceSystem, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		core.LogError("%v", err)
		return nil, err
	}

	s := &ResourceSystem{
		config:      config,
		symbols:     core.NewSymbolTable(),
		types:       make([]*registeredType, 1, 16),
		typesByName: make(map[string]resources.TypeTag),
		extensions:  make(map[string]resources.TypeTag),
		overrides:   make(map[resources.TypeTag]resources.TypeTag),
		named:       make(map[string]namedResource),
		acquires:    make(map[resources.Identity]int),
		mainQueue:   containers.NewGrowableRingQueue[func()](config.MainThreadQueueSize),
		mainWake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.events == nil {
		s.events = core.NewEventSystem()
	}
	if s.jobs == nil {
		js, err := NewJobSystem(JobSystemConfig{
			GeneralWorkers:      config.MaxUpdateContentTasks,
			ResourceLoadWorkers: config.MaxDataLoadTasks,
			QueueSize:           config.MaxDataLoadTasks + config.MaxUpdateContentTasks,
		})
		if err != nil {
			return nil, err
		}
		s.jobs = js
		s.ownsJobs = true
	}
	s.queue = newLoadingQueue(config.PriorityAgingInterval)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	core.LogInfo("Resource system initialized (io tasks=%d, compute tasks=%d).", config.MaxDataLoadTasks, config.MaxUpdateContentTasks)
	return s, nil
}

func (s *ResourceSystem) Events() *core.EventSystem { return s.events }
func (s *ResourceSystem) Jobs() *JobSystem          { return s.jobs }
func (s *ResourceSystem) Clock() clock.Clock        { return s.clock }

// configError reports a programmer error: fatal in debug mode, logged otherwise.
func (s *ResourceSystem) configError(msg string, args ...interface{}) {
	if s.config.Debug {
		core.LogFatal(msg, args...)
		return
	}
	core.LogError(msg, args...)
}

func (s *ResourceSystem) event(code core.EventCode, r *resources.Resource) core.EventContext {
	info := r.Info()
	return core.EventContext{
		Code:                code,
		Type:                uint16(r.Identity().Type),
		TypeName:            r.TypeName(),
		Key:                 r.Key(),
		Generation:          info.Generation,
		QualityLevelsLoaded: info.QualityLevelsLoaded,
	}
}

// fire broadcasts events collected under the lock. Never call it with s.mu held.
func (s *ResourceSystem) fire(events ...core.EventContext) {
	for _, e := range events {
		s.events.Fire(e)
	}
}

/**
 * @brief Registers a resource type and returns its tag. Fallback resources
 * named by the type are created, pinned and queued for loading right away.
 */
func (s *ResourceSystem) RegisterType(info TypeInfo) (resources.TypeTag, error) {
	if err := info.validate(); err != nil {
		s.configError("%v", err)
		return resources.InvalidTypeTag, err
	}
	info.Priority = info.Priority.Clamp()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return resources.InvalidTypeTag, core.ErrSystemShutdown
	}
	if _, exists := s.typesByName[info.Name]; exists {
		s.mu.Unlock()
		return resources.InvalidTypeTag, fmt.Errorf("%w: '%s'", core.ErrTypeExists, info.Name)
	}
	var base resources.TypeTag
	if info.Overrides != "" {
		b, ok := s.typesByName[info.Overrides]
		if !ok {
			s.mu.Unlock()
			err := fmt.Errorf("%w: '%s' cannot override '%s'", core.ErrUnknownType, info.Name, info.Overrides)
			s.configError("%v", err)
			return resources.InvalidTypeTag, err
		}
		base = b
	}
	if len(s.types) > math.MaxUint16 {
		s.mu.Unlock()
		return resources.InvalidTypeTag, fmt.Errorf("%w: too many resource types", core.ErrInvalidConfig)
	}

	tag := resources.TypeTag(len(s.types))
	rt := &registeredType{
		tag:   tag,
		info:  info,
		table: make(map[core.Symbol]*resources.Resource),
	}
	s.types = append(s.types, rt)
	s.typesByName[info.Name] = tag
	for _, ext := range info.Extensions {
		e := normalizeExtension(ext)
		if e == "" {
			continue
		}
		if prev, ok := s.extensions[e]; ok {
			core.LogWarn("Extension '%s' moves from type '%s' to '%s'.", e, s.types[prev].info.Name, info.Name)
		}
		s.extensions[e] = tag
	}
	if base != resources.InvalidTypeTag {
		s.overrideLocked(base, tag)
	}
	s.mu.Unlock()

	if info.Loader == nil {
		core.LogDebug("Resource type '%s' has no default loader; its resources need a custom loader.", info.Name)
	}
	core.LogDebug("Resource type '%s' registered with tag %d.", info.Name, tag)

	s.setupFallbacks(rt)
	return tag, nil
}

// RegisterTypeOverride makes every lookup of base resolve to derived.
func (s *ResourceSystem) RegisterTypeOverride(base, derived resources.TypeTag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validTagLocked(base) || !s.validTagLocked(derived) {
		return fmt.Errorf("%w: override %d -> %d", core.ErrUnknownType, base, derived)
	}
	if base == derived || s.resolveLocked(derived) == base {
		return fmt.Errorf("%w: override %d -> %d would form a cycle", core.ErrInvalidConfig, base, derived)
	}
	s.overrideLocked(base, derived)
	return nil
}

func (s *ResourceSystem) overrideLocked(base, derived resources.TypeTag) {
	final := s.resolveLocked(derived)
	s.overrides[base] = final
	for from, to := range s.overrides {
		if to == base {
			s.overrides[from] = final
		}
	}
	core.LogDebug("Resource type '%s' is now served by '%s'.", s.types[base].info.Name, s.types[final].info.Name)
}

func (s *ResourceSystem) validTagLocked(tag resources.TypeTag) bool {
	return tag != resources.InvalidTypeTag && int(tag) < len(s.types)
}

func (s *ResourceSystem) resolveLocked(tag resources.TypeTag) resources.TypeTag {
	if to, ok := s.overrides[tag]; ok {
		return to
	}
	return tag
}

func (s *ResourceSystem) typeLocked(tag resources.TypeTag) *registeredType {
	if !s.validTagLocked(tag) {
		return nil
	}
	return s.types[s.resolveLocked(tag)]
}

// TypeByName returns the tag a type name resolves to, overrides applied.
func (s *ResourceSystem) TypeByName(name string) (resources.TypeTag, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.typesByName[name]
	if !ok {
		return resources.InvalidTypeTag, false
	}
	return s.resolveLocked(tag), true
}

func (s *ResourceSystem) TypeName(tag resources.TypeTag) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.validTagLocked(tag) {
		return ""
	}
	return s.types[tag].info.Name
}

// FindTypeForExtension resolves an extension to the type serving it, derived
// overrides first.
func (s *ResourceSystem) FindTypeForExtension(ext string) (resources.TypeTag, bool) {
	ext = normalizeExtension(ext)
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.extensions[ext]
	if !ok {
		return resources.InvalidTypeTag, false
	}
	return s.resolveLocked(tag), true
}

func (s *ResourceSystem) FindTypeForKey(key string) (resources.TypeTag, bool) {
	return s.FindTypeForExtension(keyExtension(core.NormalizeKey(key)))
}

func keyExtension(key string) string {
	for i := len(key) - 1; i >= 0 && key[i] != '/'; i-- {
		if key[i] == '.' {
			return key[i:]
		}
	}
	return ""
}

func (s *ResourceSystem) setupFallbacks(rt *registeredType) {
	pin := func(key string) resources.Handle {
		if key == "" {
			return resources.Handle{}
		}
		h := s.GetOrCreateResource(rt.tag, key)
		s.mu.Lock()
		defer s.mu.Unlock()
		_, r, err := s.lookupLocked(h)
		if err != nil {
			core.LogError("Fallback '%s' of type '%s' could not be created: %v", key, rt.info.Name, err)
			return resources.Handle{}
		}
		r.IncRef()
		r.SetPriority(resources.PriorityCritical)
		s.requestLoadLocked(r, rt.minQuality(), resources.PriorityCritical)
		return h
	}

	loading := pin(rt.info.LoadingFallback)
	missing := pin(rt.info.MissingFallback)

	s.mu.Lock()
	rt.loadingFallback = loading
	rt.missingFallback = missing
	s.mu.Unlock()
}

func (s *ResourceSystem) lookupLocked(h resources.Handle) (*registeredType, *resources.Resource, error) {
	if !h.IsValid() || !s.validTagLocked(h.Type()) {
		return nil, nil, core.ErrInvalidHandle
	}
	rt := s.types[h.Type()]
	r, ok := rt.table[h.Key()]
	if !ok {
		return nil, nil, fmt.Errorf("%w: no live resource of type '%s'", core.ErrInvalidHandle, rt.info.Name)
	}
	return rt, r, nil
}

func (s *ResourceSystem) typeOf(r *resources.Resource) *registeredType {
	return s.types[r.Identity().Type]
}

/**
 * @brief Returns the handle of the resource for (tag, key), creating it in the
 * Unloaded state when unseen. Never blocks on loading and does no I/O.
 * An empty key yields the invalid handle.
 */
func (s *ResourceSystem) GetOrCreateResource(tag resources.TypeTag, key string) resources.Handle {
	key = core.NormalizeKey(key)
	if key == "" {
		return resources.Handle{}
	}
	s.mu.Lock()
	r, created := s.getOrCreateLocked(tag, key, 0)
	var ev core.EventContext
	if created {
		ev = s.event(core.EVENT_CODE_RESOURCE_CREATED, r)
	}
	s.mu.Unlock()

	if r == nil {
		return resources.Handle{}
	}
	if created {
		s.fire(ev)
	}
	return r.Handle()
}

func (s *ResourceSystem) getOrCreateLocked(tag resources.TypeTag, key string, depth int) (*resources.Resource, bool) {
	rt := s.typeLocked(tag)
	if rt == nil {
		s.configError("%v: tag %d (key '%s')", core.ErrUnknownType, tag, key)
		return nil, false
	}
	if alias, ok := s.named[key]; ok && depth == 0 && s.resolveLocked(alias.tag) == rt.tag {
		return s.getOrCreateLocked(alias.tag, alias.key, depth+1)
	}
	if sym, ok := s.symbols.Lookup(key); ok {
		if r := rt.table[sym]; r != nil {
			return r, false
		}
	}

	sym := s.symbols.Intern(key)
	id := resources.Identity{Type: rt.tag, Key: sym}
	r := resources.NewResource(id, key, rt.info.Name, rt.info.Priority, s.clock.Now())
	rt.table[sym] = r
	return r, true
}

// FindResource returns the handle of an existing resource without creating it.
func (s *ResourceSystem) FindResource(tag resources.TypeTag, key string) (resources.Handle, bool) {
	key = core.NormalizeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.typeLocked(tag)
	if rt == nil {
		return resources.Handle{}, false
	}
	sym, ok := s.symbols.Lookup(key)
	if !ok {
		return resources.Handle{}, false
	}
	r, ok := rt.table[sym]
	if !ok {
		return resources.Handle{}, false
	}
	return r.Handle(), true
}

// GetOrCreateResourceByKey picks the type from the key's extension.
func (s *ResourceSystem) GetOrCreateResourceByKey(key string) (resources.Handle, error) {
	tag, ok := s.FindTypeForKey(key)
	if !ok {
		return resources.Handle{}, fmt.Errorf("%w: no type for key '%s'", core.ErrUnknownType, key)
	}
	return s.GetOrCreateResource(tag, key), nil
}

// CreateUniqueResource creates a resource under a fresh random key. A non-nil
// loader replaces the type's default loader for it.
func (s *ResourceSystem) CreateUniqueResource(tag resources.TypeTag, loader loaders.TypeLoader) resources.Handle {
	h := s.GetOrCreateResource(tag, uuid.NewString())
	if h.IsValid() && loader != nil {
		if err := s.SetResourceLoader(h, loader); err != nil {
			core.LogError("%v", err)
		}
	}
	return h
}

// RegisterNamedResource makes name an alias of the resource behind h, so
// GetOrCreateResource(type, name) returns h.
func (s *ResourceSystem) RegisterNamedResource(name string, h resources.Handle) error {
	name = core.NormalizeKey(name)
	if name == "" {
		return fmt.Errorf("%w: empty resource name", core.ErrInvalidConfig)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, r, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	s.named[name] = namedResource{tag: h.Type(), key: r.Key()}
	return nil
}

func (s *ResourceSystem) UnregisterNamedResource(name string) bool {
	name = core.NormalizeKey(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.named[name]; !ok {
		return false
	}
	delete(s.named, name)
	return true
}

func (s *ResourceSystem) SetResourceLoader(h resources.Handle, loader loaders.TypeLoader) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, r, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	r.SetCustomLoader(loader)
	return nil
}

func (s *ResourceSystem) SetResourcePriority(h resources.Handle, p resources.Priority) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, r, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	r.SetPriority(p)
	s.queue.reprioritize(r.Identity(), r.Priority(), s.clock.Now())
	return nil
}

/**
 * @brief Requests the resource at the given quality level without blocking.
 * Nothing happens when the quality is already available or a load of the
 * resource is queued or running; a higher request raises that load's target.
 */
func (s *ResourceSystem) PreloadResource(h resources.Handle, quality uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, r, err := s.lookupLocked(h)
	if err != nil {
		return err
	}
	r.Touch(s.clock.Now())
	s.requestLoadLocked(r, rt.clampQuality(quality), r.Priority())
	return nil
}

// requestLoadLocked raises the resource's target quality and makes sure a
// queue entry exists for an unmet target. A running load re-queues itself
// on completion when its result stays below target.
func (s *ResourceSystem) requestLoadLocked(r *resources.Resource, quality uint8, prio resources.Priority) bool {
	if s.closed || !r.RaiseTarget(quality) {
		return false
	}
	if r.IsLoading() {
		return true
	}
	s.queue.push(r, prio, s.clock.Now(), quality)
	r.MarkQueued()
	return true
}

/**
 * @brief Acquires the resource behind h. On success the reference count of the
 * returned resource is incremented and EndAcquireResource must be called with
 * it. The returned resource is a fallback when the result says so. A valid
 * fallback handle replaces the type's loading fallback for this call.
 */
func (s *ResourceSystem) BeginAcquireResource(ctx context.Context, h resources.Handle, mode resources.AcquireMode, fallback resources.Handle) (*resources.Resource, resources.AcquireResult) {
	s.mu.Lock()
	rt, r, err := s.lookupLocked(h)
	if err != nil {
		s.mu.Unlock()
		if h.IsValid() {
			core.LogWarn("Acquire failed: %v", err)
		}
		return nil, resources.AcquireResultNone
	}
	r.Touch(s.clock.Now())

	switch mode {
	case resources.AcquireModePointerOnly:
		s.acquireLocked(r)
		s.mu.Unlock()
		return r, resources.AcquireResultFinal

	case resources.AcquireModeAllowLoadingFallback:
		switch r.State() {
		case resources.StateLoaded:
			s.acquireLocked(r)
			s.mu.Unlock()
			return r, resources.AcquireResultFinal
		case resources.StateLoadedMissing:
			s.mu.Unlock()
			return s.acquireMissingFallback(ctx, rt, r, mode)
		}
		s.requestLoadLocked(r, rt.minQuality(), r.Priority())
		if !fallback.IsValid() {
			fallback = rt.loadingFallback
		}
		s.mu.Unlock()
		if fallback.IsValid() && !fallback.Equal(h) {
			if fb := s.acquireFallback(ctx, fallback); fb != nil {
				return fb, resources.AcquireResultLoadingFallback
			}
		}
		// no usable fallback: wait for the real content

	default:
		s.mu.Unlock()
	}

	for {
		if err := s.waitForResource(ctx, rt, r, rt.minQuality()); err != nil {
			core.LogWarn("Acquire of '%s' (%s) aborted: %v", r.Key(), rt.info.Name, err)
			return nil, resources.AcquireResultNone
		}
		s.mu.Lock()
		if rt.table[r.Identity().Key] != r {
			s.mu.Unlock()
			core.LogWarn("Resource '%s' (%s) was freed while being acquired.", r.Key(), rt.info.Name)
			return nil, resources.AcquireResultNone
		}
		switch r.State() {
		case resources.StateLoaded:
			s.acquireLocked(r)
			s.mu.Unlock()
			return r, resources.AcquireResultFinal
		case resources.StateLoadedMissing:
			s.mu.Unlock()
			return s.acquireMissingFallback(ctx, rt, r, mode)
		}
		// evicted between completion and relock; load again
		s.mu.Unlock()
	}
}

// EndAcquireResource releases a resource returned by BeginAcquireResource.
func (s *ResourceSystem) EndAcquireResource(r *resources.Resource) {
	if r == nil {
		return
	}
	s.mu.Lock()
	_, err := r.DecRef()
	if err == nil {
		r.Touch(s.clock.Now())
		if s.config.Debug {
			id := r.Identity()
			if s.acquires[id]--; s.acquires[id] <= 0 {
				delete(s.acquires, id)
			}
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.configError("%v: '%s' (%s)", err, r.Key(), r.TypeName())
	}
}

func (s *ResourceSystem) acquireLocked(r *resources.Resource) {
	r.IncRef()
	if s.config.Debug {
		s.acquires[r.Identity()]++
	}
}

// acquireFallback blocks until a fallback resource is loaded and acquires it.
func (s *ResourceSystem) acquireFallback(ctx context.Context, h resources.Handle) *resources.Resource {
	s.mu.Lock()
	rt, r, err := s.lookupLocked(h)
	s.mu.Unlock()
	if err != nil {
		core.LogError("Fallback unavailable: %v", err)
		return nil
	}
	if err := s.waitForResource(ctx, rt, r, rt.minQuality()); err != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.State() != resources.StateLoaded {
		core.LogError("Fallback '%s' of type '%s' is not loadable.", r.Key(), rt.info.Name)
		return nil
	}
	s.acquireLocked(r)
	return r
}

func (s *ResourceSystem) acquireMissingFallback(ctx context.Context, rt *registeredType, r *resources.Resource, mode resources.AcquireMode) (*resources.Resource, resources.AcquireResult) {
	s.mu.Lock()
	missing, loading := rt.missingFallback, rt.loadingFallback
	s.mu.Unlock()

	if missing.IsValid() && !missing.Equal(r.Handle()) {
		if fb := s.acquireFallback(ctx, missing); fb != nil {
			return fb, resources.AcquireResultMissingFallback
		}
	}
	switch mode {
	case resources.AcquireModeAllowLoadingFallback:
		// the loading placeholder stands in for content that never arrives
		if loading.IsValid() && !loading.Equal(r.Handle()) {
			if fb := s.acquireFallback(ctx, loading); fb != nil {
				return fb, resources.AcquireResultMissingFallback
			}
		}
		core.LogWarn("Resource '%s' (%s) is missing and has no fallback.", r.Key(), rt.info.Name)
	case resources.AcquireModeBlockTillLoaded:
		s.configError("%v: '%s' (%s)", core.ErrMissingFallback, r.Key(), rt.info.Name)
	default:
		core.LogWarn("Resource '%s' (%s) is missing.", r.Key(), rt.info.Name)
	}
	return nil, resources.AcquireResultNone
}

/**
 * @brief Waits until the resource has the quality level or went missing.
 * A queued entry is executed inline. For main-affinity types off the main
 * goroutine only the data load runs inline and the caller waits on the load
 * future, as it does for loads already running. With a main context
 * main-goroutine tasks keep running while waiting.
 */
func (s *ResourceSystem) waitForResource(ctx context.Context, rt *registeredType, r *resources.Resource, quality uint8) error {
	main := IsMainContext(ctx)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return core.ErrSystemShutdown
		}
		if r.HasQuality(quality) {
			s.mu.Unlock()
			return nil
		}
		s.requestLoadLocked(r, quality, resources.PriorityCritical)

		if r.IsQueued() && !r.IsLoading() {
			s.queue.remove(r.Identity())
			job := s.beginLoadLocked(rt, r)
			s.mu.Unlock()

			s.fire(job.started)
			if rt.info.Affinity == resources.AffinityAny || main {
				s.runLoadInline(job)
			} else {
				// the update still has to happen on the main goroutine
				data, err := s.readData(job)
				s.dispatchUpdate(job, data, err)
			}
			continue
		}

		fut := r.Future()
		s.mu.Unlock()
		if err := s.waitDone(ctx, fut.Done(), main); err != nil {
			return err
		}
	}
}

// Await blocks until done is closed. With a main context, main-goroutine
// content updates keep running while waiting.
func (s *ResourceSystem) Await(ctx context.Context, done <-chan struct{}) error {
	return s.waitDone(ctx, done, IsMainContext(ctx))
}

func (s *ResourceSystem) waitDone(ctx context.Context, done <-chan struct{}, main bool) error {
	var wake chan struct{}
	if main {
		wake = s.mainWake
	}
	for {
		select {
		case <-done:
			return nil
		case <-wake:
			s.runMainThreadTasks()
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return core.ErrSystemShutdown
		}
	}
}

/**
 * @brief Reloads a loaded or missing resource. Without force only resources
 * whose loader reports them outdated are reloaded. The current content stays
 * published until the new content replaces it.
 * @returns true if a reload was queued.
 */
func (s *ResourceSystem) ReloadResource(h resources.Handle, force bool) bool {
	s.mu.Lock()
	rt, r, err := s.lookupLocked(h)
	if err != nil {
		s.mu.Unlock()
		return false
	}
	candidates := s.reloadCandidatesLocked(rt, []*resources.Resource{r}, force)
	s.mu.Unlock()
	return s.reload(candidates, force) > 0
}

func (s *ResourceSystem) ReloadResourcesOfType(tag resources.TypeTag, force bool) int {
	s.mu.Lock()
	rt := s.typeLocked(tag)
	if rt == nil {
		s.mu.Unlock()
		return 0
	}
	candidates := s.reloadCandidatesLocked(rt, rt.members(), force)
	s.mu.Unlock()
	return s.reload(candidates, force)
}

func (s *ResourceSystem) ReloadAllResources(force bool) int {
	s.mu.Lock()
	var candidates []reloadCandidate
	for _, rt := range s.types[1:] {
		candidates = append(candidates, s.reloadCandidatesLocked(rt, rt.members(), force)...)
	}
	s.mu.Unlock()

	n := s.reload(candidates, force)
	if n > 0 {
		core.LogInfo("Reloading %d resources.", n)
	}
	return n
}

// reloadCandidate is a resource picked for reloading together with the loader
// that decides whether its data changed.
type reloadCandidate struct {
	rt     *registeredType
	r      *resources.Resource
	loader loaders.TypeLoader
	req    loaders.Request
}

func (s *ResourceSystem) reloadCandidatesLocked(rt *registeredType, rs []*resources.Resource, force bool) []reloadCandidate {
	var out []reloadCandidate
	for _, r := range rs {
		if !r.IsReady() || r.IsLoadPending() {
			continue
		}
		c := reloadCandidate{rt: rt, r: r}
		if !force {
			if c.loader = rt.loaderFor(r); c.loader == nil {
				continue
			}
			c.req = loaders.Request{Key: r.Key(), TypeName: rt.info.Name, Quality: r.QualityLevelsLoaded()}
		}
		out = append(out, c)
	}
	return out
}

// reload asks the loaders which candidates are outdated without holding the
// lock, then queues the reloads.
func (s *ResourceSystem) reload(candidates []reloadCandidate, force bool) int {
	if !force {
		outdated := candidates[:0]
		for _, c := range candidates {
			if c.loader.IsResourceOutdated(c.req) {
				outdated = append(outdated, c)
			}
		}
		candidates = outdated
	}
	if len(candidates) == 0 {
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range candidates {
		if s.reloadLocked(c.rt, c.r) {
			n++
		}
	}
	return n
}

func (s *ResourceSystem) reloadLocked(rt *registeredType, r *resources.Resource) bool {
	// the resource may have been freed or requested while the lock was released
	if rt.table[r.Identity().Key] != r || !r.IsReady() || r.IsLoadPending() {
		return false
	}
	if !r.MarkStale() {
		return false
	}
	q := r.TargetQuality()
	if m := rt.minQuality(); q < m {
		q = m
	}
	core.LogDebug("Reloading resource '%s' (%s).", r.Key(), rt.info.Name)
	return s.requestLoadLocked(r, rt.clampQuality(q), r.Priority())
}

/**
 * @brief Discards quality levels of the resource down to keep. Referenced
 * resources keep their baseline. A resource whose load is queued but not yet
 * dispatched loses the entry when keep is zero and nothing references it.
 * @returns true if anything changed.
 */
func (s *ResourceSystem) UnloadResource(h resources.Handle, keep uint8) bool {
	s.mu.Lock()
	rt, r, err := s.lookupLocked(h)
	if err != nil {
		s.mu.Unlock()
		return false
	}
	changed := false
	if keep == 0 && r.RefCount() == 0 && r.IsQueued() && !r.IsLoading() {
		s.cancelQueuedLocked(r)
		changed = true
	}
	var events []core.EventContext
	if r.Discard(keep, rt.minQuality()) {
		changed = true
		events = append(events, s.event(core.EVENT_CODE_CONTENT_UPDATED, r))
	}
	s.mu.Unlock()

	s.fire(events...)
	return changed
}

func (s *ResourceSystem) cancelQueuedLocked(r *resources.Resource) {
	s.queue.remove(r.Identity())
	r.Unqueue()
	r.CompleteFuture()
}

// ForceFreeResource destroys an unreferenced resource that is not being loaded.
func (s *ResourceSystem) ForceFreeResource(h resources.Handle) bool {
	s.mu.Lock()
	rt, r, err := s.lookupLocked(h)
	if err != nil || r.RefCount() > 0 || r.IsLoading() {
		s.mu.Unlock()
		return false
	}
	if r.IsQueued() {
		s.cancelQueuedLocked(r)
	}
	ev := s.destroyLocked(rt, r)
	s.mu.Unlock()

	s.fire(ev)
	return true
}

func (s *ResourceSystem) destroyLocked(rt *registeredType, r *resources.Resource) core.EventContext {
	r.Discard(0, 0)
	ev := s.event(core.EVENT_CODE_RESOURCE_REMOVED, r)
	id := r.Identity()
	delete(rt.table, id.Key)
	delete(s.acquires, id)
	if err := s.symbols.Release(id.Key); err != nil {
		core.LogWarn("Releasing key of '%s': %v", r.Key(), err)
	}
	return ev
}

/**
 * @brief Frees unreferenced resources that were idle for longer than their
 * type's timeout. Each call sweeps exactly one type, in strict round-robin,
 * and stops once budget is used up. A non-positive budget is unbounded.
 * @returns the number of resources freed.
 */
func (s *ResourceSystem) FreeUnusedResources(budget time.Duration) int {
	stopwatch := core.NewClock(s.clock)
	stopwatch.Start()

	s.mu.Lock()
	if len(s.types) <= 1 {
		s.mu.Unlock()
		return 0
	}
	s.sweepCursor = s.sweepCursor%(len(s.types)-1) + 1
	rt := s.types[s.sweepCursor]

	if t := rt.info.AutoFreeUnusedThreshold; t > 0 {
		mem := rt.memoryUsage()
		if mem.CPU+mem.GPU < t {
			s.mu.Unlock()
			return 0
		}
	}
	timeout := rt.info.AutoFreeUnusedTimeout
	if timeout <= 0 {
		timeout = s.config.AutoFreeUnusedTimeout
	}
	now := s.clock.Now()

	candidates := make([]*resources.Resource, 0, len(rt.table))
	for _, r := range rt.table {
		if r.RefCount() > 0 || r.IsLoadPending() {
			continue
		}
		if now.Sub(r.LastAccess()) < timeout {
			continue
		}
		candidates = append(candidates, r)
	}
	sortByLastAccess(candidates)

	var events []core.EventContext
	for _, r := range candidates {
		events = append(events, s.destroyLocked(rt, r))
		s.metrics.Evicted(rt.info.Name)
		if stopwatch.Exceeded(budget) {
			break
		}
	}
	s.mu.Unlock()

	if len(events) > 0 {
		core.LogDebug("Freed %d unused resources of type '%s'.", len(events), rt.info.Name)
	}
	s.fire(events...)
	return len(events)
}

// ResourceInfo returns a snapshot of the resource's bookkeeping.
func (s *ResourceSystem) ResourceInfo(h resources.Handle) (resources.Info, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, r, err := s.lookupLocked(h)
	if err != nil {
		return resources.Info{}, false
	}
	return r.Info(), true
}

func (s *ResourceSystem) ResourceCount(tag resources.TypeTag) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.typeLocked(tag)
	if rt == nil {
		return 0
	}
	return len(rt.table)
}

func (s *ResourceSystem) MemoryUsageOfType(tag resources.TypeTag) resources.MemoryUsage {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := s.typeLocked(tag)
	if rt == nil {
		return resources.MemoryUsage{}
	}
	return rt.memoryUsage()
}

// OutstandingAcquires reports unreleased acquires of the resource. Only
// tracked in debug mode.
func (s *ResourceSystem) OutstandingAcquires(h resources.Handle) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acquires[h.Identity()]
}

// LeakReport describes every resource with unreleased acquires. Only
// tracked in debug mode.
func (s *ResourceSystem) LeakReport() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leakReportLocked()
}

func (s *ResourceSystem) leakReportLocked() []string {
	var report []string
	for id, n := range s.acquires {
		if n <= 0 || !s.validTagLocked(id.Type) {
			continue
		}
		rt := s.types[id.Type]
		key := s.symbols.String(id.Key)
		report = append(report, fmt.Sprintf("%s '%s': %d outstanding acquires", rt.info.Name, key, n))
	}
	sortStrings(report)
	return report
}

/**
 * @brief Shuts the resource system down. Queued loads are dropped, running
 * loads finish, every resource is destroyed. Unreleased acquires are reported.
 */
func (s *ResourceSystem) Shutdown() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancel()
	for _, e := range s.queue.drain() {
		e.resource.Unqueue()
		e.resource.CompleteFuture()
	}
	s.mu.Unlock()

	var err error
	if s.ownsJobs {
		err = multierr.Append(err, s.jobs.Shutdown())
	} else {
		s.jobs.WaitForGroup(resourceJobGroup)
	}
	s.runMainThreadTasks()

	s.mu.Lock()
	leaks := s.leakReportLocked()
	removed := 0
	for _, rt := range s.types[1:] {
		for _, r := range rt.table {
			r.CompleteFuture()
			s.destroyLocked(rt, r)
			removed++
		}
		rt.loadingFallback = resources.Handle{}
		rt.missingFallback = resources.Handle{}
	}
	s.mu.Unlock()

	for _, l := range leaks {
		core.LogWarn("Leaked acquire: %s", l)
	}
	if len(leaks) > 0 {
		err = multierr.Append(err, fmt.Errorf("%d resources still acquired at shutdown", len(leaks)))
	}
	core.LogInfo("Resource system shut down (%d resources destroyed).", removed)
	return err
}
