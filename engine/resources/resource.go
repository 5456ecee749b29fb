package resources

import (
	"sync"
	"time"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources/loaders"
)

/**
 * @brief The runtime object of one asset. Resources are owned by the
 * resource system; consumers reach them through handles and acquires.
 *
 * The transition methods are driven by the resource system, which serialises
 * them under its own lock. The getters are safe to call from any goroutine.
 */
type Resource struct {
	id       Identity
	key      string
	typeName string

	mu                 sync.Mutex
	state              State
	qualityLoaded      uint8
	qualityLoadable    uint8
	qualityDiscardable uint8
	targetQuality      uint8
	refCount           uint32
	priority           Priority
	lastAccess         time.Time
	memory             MemoryUsage
	generation         uint32
	loader             loaders.TypeLoader
	content            Content
	queued             bool
	loading            bool
	stale              bool
	future             *LoadFuture
}

// Info is a point-in-time copy of a resource's bookkeeping.
type Info struct {
	Handle                   Handle
	Key                      string
	TypeName                 string
	State                    State
	QualityLevelsLoaded      uint8
	QualityLevelsLoadable    uint8
	QualityLevelsDiscardable uint8
	RefCount                 uint32
	Priority                 Priority
	LastAccess               time.Time
	MemoryUsage              MemoryUsage
	Generation               uint32
	LoadPending              bool
}

func NewResource(id Identity, key, typeName string, priority Priority, now time.Time) *Resource {
	return &Resource{
		id:         id,
		key:        key,
		typeName:   typeName,
		state:      StateUnloaded,
		priority:   priority,
		lastAccess: now,
	}
}

func (r *Resource) Identity() Identity { return r.id }
func (r *Resource) Handle() Handle     { return Handle{id: r.id} }
func (r *Resource) Key() string        { return r.key }
func (r *Resource) TypeName() string   { return r.typeName }

func (r *Resource) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Resource) QualityLevelsLoaded() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qualityLoaded
}

func (r *Resource) QualityLevelsLoadable() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qualityLoadable
}

func (r *Resource) QualityLevelsDiscardable() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.qualityDiscardable
}

func (r *Resource) RefCount() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refCount
}

func (r *Resource) Priority() Priority {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.priority
}

func (r *Resource) LastAccess() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAccess
}

func (r *Resource) MemoryUsage() MemoryUsage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.memory
}

// Generation is incremented every time new content is installed or dropped.
func (r *Resource) Generation() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// Content returns the currently published content, nil while nothing is loaded.
func (r *Resource) Content() Content {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content
}

func (r *Resource) CustomLoader() loaders.TypeLoader {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loader
}

func (r *Resource) TargetQuality() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetQuality
}

// IsLoadPending reports whether the resource is queued or being loaded.
func (r *Resource) IsLoadPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queued || r.loading
}

func (r *Resource) IsQueued() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queued
}

func (r *Resource) IsLoading() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loading
}

func (r *Resource) Info() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		Handle:                   Handle{id: r.id},
		Key:                      r.key,
		TypeName:                 r.typeName,
		State:                    r.state,
		QualityLevelsLoaded:      r.qualityLoaded,
		QualityLevelsLoadable:    r.qualityLoadable,
		QualityLevelsDiscardable: r.qualityDiscardable,
		RefCount:                 r.refCount,
		Priority:                 r.priority,
		LastAccess:               r.lastAccess,
		MemoryUsage:              r.memory,
		Generation:               r.generation,
		LoadPending:              r.queued || r.loading,
	}
}

func (r *Resource) SetPriority(p Priority) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.priority = p.Clamp()
}

// SetCustomLoader installs a loader that replaces the type's default loader
// for this resource only.
func (r *Resource) SetCustomLoader(l loaders.TypeLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loader = l
}

func (r *Resource) Touch(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now.After(r.lastAccess) {
		r.lastAccess = now
	}
}

func (r *Resource) IncRef() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refCount++
	return r.refCount
}

func (r *Resource) DecRef() (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refCount == 0 {
		return 0, core.ErrUnbalancedRelease
	}
	r.refCount--
	return r.refCount, nil
}

// HasQuality reports whether quality levels are available without loading.
// Missing resources never need more loading until they are reloaded.
func (r *Resource) HasQuality(quality uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasQualityLocked(quality)
}

func (r *Resource) hasQualityLocked(quality uint8) bool {
	switch r.state {
	case StateLoadedMissing:
		return true
	case StateLoaded:
		if r.stale {
			return false
		}
		if r.qualityLoaded >= quality {
			return true
		}
		// nothing further can be loaded
		return r.qualityLoadable == 0
	}
	return false
}

// IsReady reports whether the resource reached Loaded or LoadedMissing.
func (r *Resource) IsReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateLoaded || r.state == StateLoadedMissing
}

// RaiseTarget records that quality levels are wanted and reports whether
// the request is not yet satisfied. The target only ever grows here.
func (r *Resource) RaiseTarget(quality uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if quality > r.targetQuality {
		r.targetQuality = quality
	}
	return !r.hasQualityLocked(r.targetQuality)
}

// NeedsLoad reports whether the current target is unmet.
func (r *Resource) NeedsLoad() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.hasQualityLocked(r.targetQuality)
}

// MarkQueued records the existence of a loading queue entry.
func (r *Resource) MarkQueued() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = true
	if r.state == StateUnloaded {
		r.state = StateLoadingQueued
	}
}

// Unqueue drops the queue bookkeeping, for an entry removed without being serviced.
func (r *Resource) Unqueue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = false
	if r.state == StateLoadingQueued {
		r.state = StateUnloaded
	}
}

// BeginLoading marks the dispatch of the queue entry and returns the
// request the load pipeline has to serve.
func (r *Resource) BeginLoading() LoadRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = false
	r.loading = true
	if r.state == StateLoadingQueued || r.state == StateUnloaded {
		r.state = StateLoading
	}
	q := r.targetQuality
	if q == 0 {
		q = 1
	}
	return LoadRequest{Key: r.key, TypeName: r.typeName, Quality: q}
}

// FinishLoading publishes freshly loaded content.
func (r *Resource) FinishLoading(c Content, desc LoadDesc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = false
	r.stale = false
	r.content = c
	r.state = StateLoaded
	r.qualityLoaded = desc.QualityLevelsLoaded
	r.qualityLoadable = desc.QualityLevelsLoadable
	r.qualityDiscardable = desc.QualityLevelsDiscardable
	if c != nil {
		r.memory = c.MemoryUsage()
	}
	r.generation++
}

// FailLoading installs placeholder content and marks the resource missing.
func (r *Resource) FailLoading(placeholder Content) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = false
	r.stale = false
	r.content = placeholder
	r.state = StateLoadedMissing
	r.qualityLoaded = 0
	r.qualityLoadable = 0
	r.qualityDiscardable = 0
	r.targetQuality = 0
	r.memory = MemoryUsage{}
	if placeholder != nil {
		r.memory = placeholder.MemoryUsage()
	}
	r.generation++
}

// AbortLoading returns a dispatched resource to its pre-dispatch state, used
// when the pipeline could not run at all (shutdown).
func (r *Resource) AbortLoading() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loading = false
	if r.state == StateLoading {
		r.state = StateUnloaded
	}
}

// MarkStale flags loaded content for replacement by the next load.
func (r *Resource) MarkStale() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateLoaded && r.state != StateLoadedMissing {
		return false
	}
	r.stale = true
	if r.state == StateLoadedMissing {
		// an explicit reload is the only way out of the missing state
		r.state = StateUnloaded
		r.content = nil
		r.memory = MemoryUsage{}
	}
	if r.targetQuality < r.qualityLoaded {
		r.targetQuality = r.qualityLoaded
	}
	return true
}

// Discard drops quality levels until at most keep remain. While the resource
// is referenced only discardable levels above baseline may go. Returns false
// when nothing changed, which includes a resource already at or below keep.
func (r *Resource) Discard(keep, baseline uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateLoaded || r.loading || r.content == nil {
		return false
	}
	if r.refCount > 0 {
		floor := satSub(r.qualityLoaded, r.qualityDiscardable)
		if baseline > floor {
			floor = baseline
		}
		if keep < floor {
			keep = floor
		}
	}
	if keep >= r.qualityLoaded {
		return false
	}

	desc := r.content.UnloadData(keep)
	r.qualityLoaded = desc.QualityLevelsLoaded
	r.qualityLoadable = desc.QualityLevelsLoadable
	r.qualityDiscardable = desc.QualityLevelsDiscardable
	if r.targetQuality > r.qualityLoaded {
		r.targetQuality = r.qualityLoaded
	}
	r.generation++
	if r.qualityLoaded == 0 && r.refCount == 0 {
		r.state = StateUnloaded
		r.content = nil
		r.memory = MemoryUsage{}
		return true
	}
	r.memory = r.content.MemoryUsage()
	return true
}

// Future returns the future of the pending load, creating it if needed.
func (r *Resource) Future() *LoadFuture {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.future == nil {
		r.future = NewLoadFuture()
	}
	return r.future
}

// CompleteFuture releases the waiters of the current load pipeline.
func (r *Resource) CompleteFuture() {
	r.mu.Lock()
	f := r.future
	r.future = nil
	r.mu.Unlock()
	if f != nil {
		f.Complete()
	}
}
