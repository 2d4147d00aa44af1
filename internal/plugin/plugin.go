// Package plugin defines the responder contract the monitor hands addressed
// messages to, and a registry of the built-in responders.
package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	apperrors "github.com/ax-platform/ax-mcp-monitor/internal/errors"
	"github.com/ax-platform/ax-mcp-monitor/internal/security"

	"github.com/sirupsen/logrus"
)

// Context carries what a plugin may want to know about a message besides
// its text.
type Context struct {
	MessageID        string
	Sender           string
	AgentName        string
	SessionID        string
	IgnoreMentions   []string
	RequiredMentions []string
	// StreamHandler, when set, receives partial output as it is produced.
	StreamHandler func(chunk string)
}

// Plugin turns an addressed message into a reply. An empty reply means
// "nothing to say".
type Plugin interface {
	Name() string
	ProcessMessage(ctx context.Context, message string, pctx Context) (string, error)
}

// Resetter is implemented by plugins that keep conversational state.
type Resetter interface {
	ResetContext()
}

// Configurable is implemented by plugins that accept configuration changes
// at runtime.
type Configurable interface {
	Reconfigure(cfg map[string]any) error
}

// Factory builds a plugin from its JSON configuration.
type Factory func(cfg map[string]any, logger *logrus.Logger) (Plugin, error)

// Registry maps plugin type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in plugins.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	_ = r.Register(EchoType, NewEcho)
	_ = r.Register(AckType, NewAck)
	return r
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" || factory == nil {
		return fmt.Errorf("plugin name and factory are required")
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.factories[name] = factory
	return nil
}

// Create instantiates the named plugin.
func (r *Registry) Create(name string, cfg map[string]any, logger *logrus.Logger) (Plugin, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, apperrors.NewConfigError("PLUGIN_TYPE",
			fmt.Sprintf("unknown plugin type %q (available: %v)", name, r.Names()))
	}
	if logger == nil {
		logger = logrus.New()
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	p, err := factory(cfg, logger)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, fmt.Sprintf("failed to create plugin %q", name))
	}
	return p, nil
}

// Names lists the registered plugin types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LoadConfig reads a plugin configuration file. An empty path yields an
// empty configuration.
func LoadConfig(path string) (map[string]any, error) {
	cfg := map[string]any{}
	if path == "" {
		return cfg, nil
	}
	if err := security.ValidateFilePath(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plugin config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse plugin config %s: %w", path, err)
	}
	return cfg, nil
}
