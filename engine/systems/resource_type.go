package systems

import (
	"fmt"
	"strings"
	"time"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/resources/loaders"
)

// TypeInfo is the registration of one resource type: its behaviour table,
// default loader and cache policy.
type TypeInfo struct {
	/** @brief Unique type name, used in logs, events and metrics. */
	Name string
	/** @brief File extensions (".png") resolved to this type. */
	Extensions []string
	/** @brief Creates empty content for a load. Required. */
	New func() resources.Content
	/** @brief Creates the placeholder installed when loading fails. Defaults to New. */
	NewMissing func() resources.Content
	/** @brief The default loader. Resources with a custom loader never use it. */
	Loader loaders.TypeLoader
	/** @brief Where the update-content step of this type may run. */
	Affinity resources.Affinity
	/** @brief Default priority of new resources of this type. */
	Priority resources.Priority
	/** @brief Key of the always-resident resource handed out while loading. */
	LoadingFallback string
	/** @brief Key of the always-resident resource handed out for missing content. */
	MissingFallback string
	/** @brief The unused sweep skips the type while its memory stays below this many bytes. */
	AutoFreeUnusedThreshold uint64
	/** @brief Unreferenced resources idle for longer than this are freed. Zero uses the system default. */
	AutoFreeUnusedTimeout time.Duration
	/** @brief Quality levels never discarded while a resource is referenced. */
	BaselineQuality uint8
	/** @brief Upper bound for requested quality levels. Zero means unbounded. */
	MaxQuality uint8
	/** @brief The content is usable with zero quality levels loaded. */
	BaselineContent bool
	/** @brief Name of a registered type this type replaces (e.g. a platform variant). */
	Overrides string
}

type registeredType struct {
	tag   resources.TypeTag
	info  TypeInfo
	table map[core.Symbol]*resources.Resource

	loadingFallback resources.Handle
	missingFallback resources.Handle
}

func (rt *registeredType) minQuality() uint8 {
	if rt.info.BaselineContent {
		return 0
	}
	if rt.info.BaselineQuality > 1 {
		return rt.info.BaselineQuality
	}
	return 1
}

func (rt *registeredType) members() []*resources.Resource {
	out := make([]*resources.Resource, 0, len(rt.table))
	for _, r := range rt.table {
		out = append(out, r)
	}
	return out
}

// clampQuality bounds a requested quality to what the type can offer.
func (rt *registeredType) clampQuality(q uint8) uint8 {
	if q == 0 {
		q = 1
	}
	if rt.info.MaxQuality > 0 {
		return resources.Clamp(q, 1, rt.info.MaxQuality)
	}
	return q
}

func (rt *registeredType) newMissing() resources.Content {
	if rt.info.NewMissing != nil {
		return rt.info.NewMissing()
	}
	return rt.info.New()
}

func (rt *registeredType) loaderFor(r *resources.Resource) loaders.TypeLoader {
	if l := r.CustomLoader(); l != nil {
		return l
	}
	return rt.info.Loader
}

func (rt *registeredType) memoryUsage() resources.MemoryUsage {
	var total resources.MemoryUsage
	for _, r := range rt.table {
		total = total.Add(r.MemoryUsage())
	}
	return total
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func (info *TypeInfo) validate() error {
	if info.Name == "" {
		return fmt.Errorf("%w: resource type needs a name", core.ErrInvalidConfig)
	}
	if info.New == nil {
		return fmt.Errorf("%w: resource type '%s' has no content constructor", core.ErrInvalidConfig, info.Name)
	}
	if info.MaxQuality > 0 && info.BaselineQuality > info.MaxQuality {
		return fmt.Errorf("%w: resource type '%s' baseline quality %d exceeds max quality %d",
			core.ErrInvalidConfig, info.Name, info.BaselineQuality, info.MaxQuality)
	}
	return nil
}
