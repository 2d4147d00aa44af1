package features

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envPrefix     = "AX_FEATURE_"
	envDisableAll = "AX_FEATURES_DISABLE_ALL"
)

// LoadFromEnvironment applies AX_FEATURE_<FLAG>=true|false overrides.
// AX_FEATURES_DISABLE_ALL=true turns every flag off and skips the rest.
// Unparseable values are ignored.
func (fm *FlagManager) LoadFromEnvironment() {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	now := time.Now()
	if off, _ := strconv.ParseBool(os.Getenv(envDisableAll)); off {
		for _, f := range fm.flags {
			f.Enabled = false
			f.UpdatedAt = now
		}
		return
	}

	for name, f := range fm.flags {
		raw, ok := os.LookupEnv(EnvName(name))
		if !ok {
			continue
		}
		enabled, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		f.Enabled = enabled
		f.UpdatedAt = now
	}
}

// EnvName is the environment variable that overrides flag name.
func EnvName(name string) string {
	return envPrefix + strings.ToUpper(name)
}

// FromEnvironment builds a manager with defaults and environment overrides.
func FromEnvironment() *FlagManager {
	fm := NewFlagManager()
	fm.InitializeDefaults()
	fm.LoadFromEnvironment()
	return fm
}
