package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagManager_InitializeDefaults(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	flags := fm.ListFlags()
	require.Len(t, flags, len(DefaultFlags))
	for _, def := range DefaultFlags {
		assert.Equal(t, def.DefaultValue, fm.IsEnabled(def.Name), def.Name)
	}

	// A second call keeps existing state.
	require.NoError(t, fm.Disable(FlagHeartbeat))
	fm.InitializeDefaults()
	assert.False(t, fm.IsEnabled(FlagHeartbeat))
}

func TestFlagManager_EnableDisable(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	require.NoError(t, fm.Disable(FlagMetricsEndpoint))
	assert.False(t, fm.IsEnabled(FlagMetricsEndpoint))
	require.NoError(t, fm.Enable(FlagMetricsEndpoint))
	assert.True(t, fm.IsEnabled(FlagMetricsEndpoint))

	err := fm.Enable("nope")
	assert.Equal(t, ErrFlagNotFound{Name: "nope"}, err)
	assert.False(t, fm.IsEnabled("nope"))
}

func TestFlagManager_GetFlagReturnsCopy(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	f, err := fm.GetFlag(FlagBacklogMonitor)
	require.NoError(t, err)
	f.Enabled = false
	f.Tags[0] = "mutated"

	again, err := fm.GetFlag(FlagBacklogMonitor)
	require.NoError(t, err)
	assert.True(t, again.Enabled)
	assert.Equal(t, "observability", again.Tags[0])

	_, err = fm.GetFlag("missing")
	assert.Error(t, err)
}

func TestFlagManager_ListFlagsByTag(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()

	flags := fm.ListFlags("observability")
	require.Len(t, flags, 2)
	assert.Equal(t, FlagBacklogMonitor, flags[0].Name)
	assert.Equal(t, FlagMetricsEndpoint, flags[1].Name)

	assert.Empty(t, fm.ListFlags("unknown"))
}

func TestFlagManager_Snapshot(t *testing.T) {
	fm := NewFlagManager()
	fm.InitializeDefaults()
	require.NoError(t, fm.Disable(FlagCompletedCleanup))

	snap := fm.Snapshot()
	assert.Len(t, snap, len(DefaultFlags))
	assert.False(t, snap[FlagCompletedCleanup])
	assert.True(t, snap[FlagHeartbeat])
}
