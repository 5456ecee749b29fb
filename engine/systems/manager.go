package systems

import (
	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/spaghettifunk/anima-resources/engine/core"
)

// SystemManagerConfig sizes the systems owned by the manager.
type SystemManagerConfig struct {
	Jobs      JobSystemConfig
	Resources ResourceSystemConfig
	// Registry receives the resource metrics. Nil skips metrics.
	Registry prometheus.Registerer
	// Clock drives the resource system, nil for the wall clock.
	Clock clock.Clock
}

type SystemManager struct {
	EventSystem    *core.EventSystem
	JobSystem      *JobSystem
	ResourceSystem *ResourceSystem
	Metrics        *core.ResourceMetrics
}

func NewSystemManager(config SystemManagerConfig) (*SystemManager, error) {
	es := core.NewEventSystem()

	js, err := NewJobSystem(config.Jobs)
	if err != nil {
		return nil, err
	}

	var metrics *core.ResourceMetrics
	if config.Registry != nil {
		metrics, err = core.NewResourceMetrics(config.Registry)
		if err != nil {
			_ = js.Shutdown()
			return nil, err
		}
	}

	opts := []ResourceSystemOption{
		WithEventSystem(es),
		WithJobSystem(js),
		WithMetrics(metrics),
	}
	if config.Clock != nil {
		opts = append(opts, WithClock(config.Clock))
	}
	rs, err := NewResourceSystem(config.Resources, opts...)
	if err != nil {
		_ = js.Shutdown()
		return nil, err
	}

	return &SystemManager{
		EventSystem:    es,
		JobSystem:      js,
		ResourceSystem: rs,
		Metrics:        metrics,
	}, nil
}

// Shutdown stops the systems in reverse creation order. The resource system
// goes first so its in-flight jobs drain before the job pools close.
func (sm *SystemManager) Shutdown() error {
	var err error
	err = multierr.Append(err, sm.ResourceSystem.Shutdown())
	err = multierr.Append(err, sm.JobSystem.Shutdown())
	err = multierr.Append(err, sm.EventSystem.Shutdown())
	return err
}
