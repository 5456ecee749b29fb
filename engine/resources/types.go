package resources

import (
	"io"
	"strings"

	"github.com/spaghettifunk/anima-resources/engine/core"
)

// TypeTag identifies a registered resource type. Tags are handed out by the
// resource system at registration time; the zero tag is never valid.
type TypeTag uint16

const InvalidTypeTag TypeTag = 0

/** @brief Lifecycle states of a resource. */
type State int

const (
	/** @brief No content. Initial state, and the state after eviction. */
	StateUnloaded State = iota
	/** @brief A loading queue entry exists but has not been dispatched yet. */
	StateLoadingQueued
	/** @brief The first load pipeline for the resource is running. */
	StateLoading
	/** @brief Content is available at QualityLevelsLoaded. */
	StateLoaded
	/** @brief The type loader or content parser failed. Terminal until an explicit reload. */
	StateLoadedMissing
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "Unloaded"
	case StateLoadingQueued:
		return "LoadingQueued"
	case StateLoading:
		return "Loading"
	case StateLoaded:
		return "Loaded"
	case StateLoadedMissing:
		return "LoadedMissing"
	}
	return "Invalid"
}

/**
 * @brief Loading priority. Higher values are serviced first.
 */
type Priority int

const (
	PriorityVeryLow Priority = iota
	PriorityLow
	PriorityMedium
	PriorityHigh
	PriorityVeryHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityVeryLow:
		return "VeryLow"
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	case PriorityVeryHigh:
		return "VeryHigh"
	case PriorityCritical:
		return "Critical"
	}
	return "Invalid"
}

// Clamp bounds p to the valid priority range.
func (p Priority) Clamp() Priority {
	return Clamp(p, PriorityVeryLow, PriorityCritical)
}

// ParsePriority maps a configuration string to a Priority.
func ParsePriority(s string) (Priority, bool) {
	for p := PriorityVeryLow; p <= PriorityCritical; p++ {
		if strings.EqualFold(p.String(), s) {
			return p, true
		}
	}
	return PriorityMedium, false
}

/** @brief Goroutine on which the update-content step of a type may run. */
type Affinity int

const (
	/** @brief Any worker of the compute pool. */
	AffinityAny Affinity = iota
	/** @brief Only the goroutine that drives the resource system tick. */
	AffinityMainThread
)

/** @brief How long an acquire is willing to wait for content. */
type AcquireMode int

const (
	/** @brief Return the resource as it is, without triggering any load. */
	AcquireModePointerOnly AcquireMode = iota
	/** @brief Return the type's loading fallback while the real content loads asynchronously. */
	AcquireModeAllowLoadingFallback
	/** @brief Wait for the content. Missing content without missing fallback is a programmer error. */
	AcquireModeBlockTillLoaded
	/** @brief Wait for the content. Missing content without missing fallback yields AcquireResultNone. */
	AcquireModeBlockTillLoadedNeverFail
)

func (m AcquireMode) String() string {
	switch m {
	case AcquireModePointerOnly:
		return "PointerOnly"
	case AcquireModeAllowLoadingFallback:
		return "AllowLoadingFallback"
	case AcquireModeBlockTillLoaded:
		return "BlockTillLoaded"
	case AcquireModeBlockTillLoadedNeverFail:
		return "BlockTillLoadedNeverFail"
	}
	return "Invalid"
}

/** @brief What an acquire actually returned. */
type AcquireResult int

const (
	AcquireResultNone AcquireResult = iota
	AcquireResultMissingFallback
	AcquireResultLoadingFallback
	AcquireResultFinal
)

func (r AcquireResult) String() string {
	switch r {
	case AcquireResultNone:
		return "None"
	case AcquireResultMissingFallback:
		return "MissingFallback"
	case AcquireResultLoadingFallback:
		return "LoadingFallback"
	case AcquireResultFinal:
		return "Final"
	}
	return "Invalid"
}

/** @brief Memory attributed to a resource's content. */
type MemoryUsage struct {
	CPU uint64
	GPU uint64
}

func (m MemoryUsage) Add(o MemoryUsage) MemoryUsage {
	return MemoryUsage{CPU: m.CPU + o.CPU, GPU: m.GPU + o.GPU}
}

// Identity is the unique (type, key) pair of a resource.
type Identity struct {
	Type TypeTag
	Key  core.Symbol
}

func (id Identity) IsValid() bool {
	return id.Type != InvalidTypeTag && id.Key.IsValid()
}

// Handle is a copyable weak reference to a resource. It does not keep the
// resource alive; the zero Handle represents "no resource".
type Handle struct {
	id Identity
}

func NewHandle(id Identity) Handle {
	return Handle{id: id}
}

func (h Handle) IsValid() bool       { return h.id.IsValid() }
func (h Handle) Identity() Identity  { return h.id }
func (h Handle) Type() TypeTag       { return h.id.Type }
func (h Handle) Key() core.Symbol    { return h.id.Key }
func (h Handle) Equal(o Handle) bool { return h.id == o.id }

/**
 * @brief Result of an update-content step.
 */
type LoadDesc struct {
	/** @brief Quality levels present after the update. */
	QualityLevelsLoaded uint8
	/** @brief Quality levels that could be dropped again. */
	QualityLevelsDiscardable uint8
	/** @brief Quality levels that could still be loaded on top. */
	QualityLevelsLoadable uint8
}

// LoadRequest describes the content an update-content step should produce.
type LoadRequest struct {
	Key      string
	TypeName string
	// Quality is the total number of quality levels requested.
	Quality uint8
}

// Content is the per-type behaviour a resource type provides. A fresh Content
// is created for every load, so UpdateContent never races with readers of the
// previously published content.
type Content interface {
	// UpdateContent parses stream into the content. An error marks the
	// resource as missing.
	UpdateContent(stream io.Reader, req LoadRequest) (LoadDesc, error)
	// UnloadData drops quality levels until at most keep remain. It runs
	// with the resource system locked and must not block or call back into it.
	UnloadData(keep uint8) LoadDesc
	// MemoryUsage reports the current footprint. Same constraints as UnloadData.
	MemoryUsage() MemoryUsage
}
