package features

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Flag is a runtime toggle for an optional monitor component.
type Flag struct {
	Name        string    `json:"name"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description"`
	UpdatedAt   time.Time `json:"updated_at"`
	Tags        []string  `json:"tags,omitempty"`
}

// FlagManager holds flags behind a lock; reads are safe from any goroutine.
type FlagManager struct {
	mu    sync.RWMutex
	flags map[string]*Flag
}

func NewFlagManager() *FlagManager {
	return &FlagManager{flags: make(map[string]*Flag)}
}

const (
	FlagBacklogMonitor   = "backlog_monitor"
	FlagCompletedCleanup = "completed_cleanup"
	FlagMetricsEndpoint  = "metrics_endpoint"
	FlagPluginHotReload  = "plugin_hot_reload"
	FlagHeartbeat        = "heartbeat"
)

type FlagDefinition struct {
	Name         string
	Description  string
	DefaultValue bool
	Tags         []string
}

var DefaultFlags = []FlagDefinition{
	{FlagBacklogMonitor, "Publish backlog gauges and warn on stale pending messages", true, []string{"observability"}},
	{FlagCompletedCleanup, "Periodically delete completed messages past retention", true, []string{"storage"}},
	{FlagMetricsEndpoint, "Serve Prometheus metrics on the status server", true, []string{"observability"}},
	{FlagPluginHotReload, "Reconfigure the plugin when its config file changes", true, []string{"plugin"}},
	{FlagHeartbeat, "Ping the platform while the session is idle", true, []string{"transport"}},
}

// InitializeDefaults registers every DefaultFlags entry not yet present.
func (fm *FlagManager) InitializeDefaults() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	now := time.Now()
	for _, def := range DefaultFlags {
		if _, ok := fm.flags[def.Name]; ok {
			continue
		}
		fm.flags[def.Name] = &Flag{
			Name:        def.Name,
			Enabled:     def.DefaultValue,
			Description: def.Description,
			UpdatedAt:   now,
			Tags:        def.Tags,
		}
	}
}

// IsEnabled is false for unknown flags.
func (fm *FlagManager) IsEnabled(name string) bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	f, ok := fm.flags[name]
	return ok && f.Enabled
}

func (fm *FlagManager) Enable(name string) error  { return fm.set(name, true) }
func (fm *FlagManager) Disable(name string) error { return fm.set(name, false) }

func (fm *FlagManager) set(name string, enabled bool) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	f, ok := fm.flags[name]
	if !ok {
		return ErrFlagNotFound{Name: name}
	}
	f.Enabled = enabled
	f.UpdatedAt = time.Now()
	return nil
}

// GetFlag returns a copy of the named flag.
func (fm *FlagManager) GetFlag(name string) (*Flag, error) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	f, ok := fm.flags[name]
	if !ok {
		return nil, ErrFlagNotFound{Name: name}
	}
	return copyFlag(f), nil
}

// ListFlags returns copies sorted by name, filtered to flags carrying any of
// tags when tags are given.
func (fm *FlagManager) ListFlags(tags ...string) []*Flag {
	fm.mu.RLock()
	defer fm.mu.RUnlock()

	var out []*Flag
	for _, f := range fm.flags {
		if len(tags) == 0 || hasAnyTag(f, tags) {
			out = append(out, copyFlag(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Snapshot maps every flag name to its state.
func (fm *FlagManager) Snapshot() map[string]bool {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	out := make(map[string]bool, len(fm.flags))
	for name, f := range fm.flags {
		out[name] = f.Enabled
	}
	return out
}

func copyFlag(f *Flag) *Flag {
	c := *f
	if f.Tags != nil {
		c.Tags = append([]string(nil), f.Tags...)
	}
	return &c
}

func hasAnyTag(f *Flag, tags []string) bool {
	for _, want := range tags {
		for _, have := range f.Tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

type ErrFlagNotFound struct {
	Name string
}

func (e ErrFlagNotFound) Error() string {
	return fmt.Sprintf("feature flag not found: %s", e.Name)
}
