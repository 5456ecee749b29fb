package engine

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/spaghettifunk/anima-resources/engine/core"
	"github.com/spaghettifunk/anima-resources/engine/resources"
	"github.com/spaghettifunk/anima-resources/engine/systems"
)

// Duration reads "250ms" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type ApplicationSection struct {
	// The application name used in logs.
	Name     string `toml:"name"`
	LogLevel string `toml:"log_level"`
	// Directory indexed and watched by the asset manager, relative to the working directory.
	AssetDir string `toml:"asset_dir"`
	// Resource system ticks per second.
	TickRate int `toml:"tick_rate"`
	// Serves prometheus metrics on this address when set, e.g. ":9090".
	MetricsAddr string `toml:"metrics_addr"`
	// Preload the whole asset directory during initialization.
	PreloadAssets bool `toml:"preload_assets"`
}

type JobsSection struct {
	GeneralWorkers      int `toml:"general_workers"`
	ResourceLoadWorkers int `toml:"resource_load_workers"`
	QueueSize           int `toml:"queue_size"`
}

type ResourcesSection struct {
	Debug                 bool     `toml:"debug"`
	MaxDataLoadTasks      int      `toml:"max_data_load_tasks"`
	MaxUpdateContentTasks int      `toml:"max_update_content_tasks"`
	ReprioritizeFraction  float64  `toml:"reprioritize_fraction"`
	PriorityAgingInterval Duration `toml:"priority_aging_interval"`
	FreeUnusedBudget      Duration `toml:"free_unused_budget"`
	AutoFreeUnusedTimeout Duration `toml:"auto_free_unused_timeout"`
	MainThreadQueueSize   int      `toml:"main_thread_queue_size"`
}

// TypeOverride changes the registration of a built-in type. Unset fields
// keep the built-in value.
type TypeOverride struct {
	Name                    string    `toml:"name"`
	Priority                string    `toml:"priority"`
	LoadingFallback         *string   `toml:"loading_fallback"`
	MissingFallback         *string   `toml:"missing_fallback"`
	AutoFreeUnusedThreshold *uint64   `toml:"auto_free_unused_threshold"`
	AutoFreeUnusedTimeout   *Duration `toml:"auto_free_unused_timeout"`
	BaselineQuality         *uint8    `toml:"baseline_quality"`
	MaxQuality              *uint8    `toml:"max_quality"`
	Extensions              []string  `toml:"extensions"`
}

type ApplicationConfig struct {
	Application ApplicationSection `toml:"application"`
	Jobs        JobsSection        `toml:"jobs"`
	Resources   ResourcesSection   `toml:"resources"`
	Types       []TypeOverride     `toml:"types"`
}

func DefaultApplicationConfig() *ApplicationConfig {
	rc := systems.DefaultResourceSystemConfig()
	return &ApplicationConfig{
		Application: ApplicationSection{
			Name:     "Anima Resources",
			LogLevel: "info",
			AssetDir: "assets",
			TickRate: 60,
		},
		Jobs: JobsSection{
			GeneralWorkers:      rc.MaxUpdateContentTasks,
			ResourceLoadWorkers: rc.MaxDataLoadTasks,
			QueueSize:           64,
		},
		Resources: ResourcesSection{
			MaxDataLoadTasks:      rc.MaxDataLoadTasks,
			MaxUpdateContentTasks: rc.MaxUpdateContentTasks,
			ReprioritizeFraction:  rc.ReprioritizeFraction,
			PriorityAgingInterval: Duration{rc.PriorityAgingInterval},
			FreeUnusedBudget:      Duration{2 * time.Millisecond},
			AutoFreeUnusedTimeout: Duration{rc.AutoFreeUnusedTimeout},
			MainThreadQueueSize:   rc.MainThreadQueueSize,
		},
	}
}

// LoadApplicationConfig reads a TOML file on top of the defaults.
func LoadApplicationConfig(path string) (*ApplicationConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config, err := ParseApplicationConfig(data)
	if err != nil {
		return nil, fmt.Errorf("config '%s': %w", path, err)
	}
	return config, nil
}

// ParseApplicationConfig decodes TOML on top of the defaults. Unknown keys are rejected.
func ParseApplicationConfig(data []byte) (*ApplicationConfig, error) {
	config := DefaultApplicationConfig()
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *ApplicationConfig) Validate() error {
	if c.Application.TickRate <= 0 {
		return fmt.Errorf("%w: tick_rate must be positive, got %d", core.ErrInvalidConfig, c.Application.TickRate)
	}
	if c.Application.AssetDir == "" {
		return fmt.Errorf("%w: asset_dir is empty", core.ErrInvalidConfig)
	}
	if c.Jobs.GeneralWorkers <= 0 || c.Jobs.ResourceLoadWorkers <= 0 {
		return fmt.Errorf("%w: job pools need at least one worker", core.ErrInvalidConfig)
	}
	if err := c.ResourceSystemConfig().Validate(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Types))
	for _, t := range c.Types {
		if t.Name == "" {
			return fmt.Errorf("%w: [[types]] entry without name", core.ErrInvalidConfig)
		}
		if seen[t.Name] {
			return fmt.Errorf("%w: type '%s' configured twice", core.ErrInvalidConfig, t.Name)
		}
		seen[t.Name] = true
		if t.Priority != "" {
			if _, ok := resources.ParsePriority(t.Priority); !ok {
				return fmt.Errorf("%w: type '%s' has unknown priority '%s'", core.ErrInvalidConfig, t.Name, t.Priority)
			}
		}
	}
	return nil
}

// TickInterval is the time between two resource system ticks.
func (c *ApplicationConfig) TickInterval() time.Duration {
	return time.Second / time.Duration(c.Application.TickRate)
}

func (c *ApplicationConfig) JobSystemConfig() systems.JobSystemConfig {
	return systems.JobSystemConfig{
		GeneralWorkers:      c.Jobs.GeneralWorkers,
		ResourceLoadWorkers: c.Jobs.ResourceLoadWorkers,
		QueueSize:           c.Jobs.QueueSize,
	}
}

func (c *ApplicationConfig) ResourceSystemConfig() systems.ResourceSystemConfig {
	r := c.Resources
	return systems.ResourceSystemConfig{
		Debug:                 r.Debug,
		MaxDataLoadTasks:      r.MaxDataLoadTasks,
		MaxUpdateContentTasks: r.MaxUpdateContentTasks,
		ReprioritizeFraction:  r.ReprioritizeFraction,
		PriorityAgingInterval: r.PriorityAgingInterval.Duration,
		FreeUnusedBudget:      r.FreeUnusedBudget.Duration,
		AutoFreeUnusedTimeout: r.AutoFreeUnusedTimeout.Duration,
		MainThreadQueueSize:   r.MainThreadQueueSize,
	}
}

// ApplyTypeOverrides patches the given registrations in place. Overrides
// naming a type that is not in infos are an error.
func (c *ApplicationConfig) ApplyTypeOverrides(infos []systems.TypeInfo) error {
	for _, o := range c.Types {
		idx := -1
		for i := range infos {
			if infos[i].Name == o.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: unknown type '%s'", core.ErrUnknownType, o.Name)
		}
		info := &infos[idx]
		if o.Priority != "" {
			info.Priority, _ = resources.ParsePriority(o.Priority)
		}
		if o.LoadingFallback != nil {
			info.LoadingFallback = *o.LoadingFallback
		}
		if o.MissingFallback != nil {
			info.MissingFallback = *o.MissingFallback
		}
		if o.AutoFreeUnusedThreshold != nil {
			info.AutoFreeUnusedThreshold = *o.AutoFreeUnusedThreshold
		}
		if o.AutoFreeUnusedTimeout != nil {
			info.AutoFreeUnusedTimeout = o.AutoFreeUnusedTimeout.Duration
		}
		if o.BaselineQuality != nil {
			info.BaselineQuality = *o.BaselineQuality
		}
		if o.MaxQuality != nil {
			info.MaxQuality = *o.MaxQuality
		}
		if len(o.Extensions) > 0 {
			info.Extensions = append([]string(nil), o.Extensions...)
		}
	}
	return nil
}
