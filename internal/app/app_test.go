package app

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/scanagent/internal/common"
	"github.com/ternarybob/scanagent/internal/models"
)

// testConfig returns a config rooted in a temporary directory
func testConfig(t *testing.T) *common.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := common.NewDefaultConfig()
	cfg.Storage.Badger.Path = filepath.Join(dir, "db")
	cfg.Browser.DownloadDir = filepath.Join(dir, "downloads")
	return cfg
}

func TestNew_WiresUnconfiguredAgent(t *testing.T) {
	application, err := New(testConfig(t), arbor.NewLogger())
	require.NoError(t, err)
	defer application.Close()

	assert.False(t, application.WorkQueue.Configured())
	assert.NotEmpty(t, application.WorkQueue.AgentID())
	assert.Nil(t, application.CredentialService.GetActive())
	assert.False(t, application.BrowserPool.IsInitialized(), "browser starts lazily")
	assert.False(t, application.SchedulerService.IsRunning())

	st := application.StatusService.Snapshot()
	assert.False(t, st.Enabled)
	assert.Equal(t, models.PhaseIdle, st.Phase)

	started, reason := application.SchedulerService.RunNow()
	assert.False(t, started)
	assert.Equal(t, "agent is disabled", reason)
}

func TestNew_PersistsStatusAcrossRestarts(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.AgentID = "agent-fixed"

	first, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	require.NoError(t, first.SchedulerService.Enable())
	require.NoError(t, first.Close())

	// The config default is disabled; the persisted flag wins
	second, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	defer second.Close()

	assert.True(t, second.StatusService.Snapshot().Enabled)
	assert.Equal(t, "agent-fixed", second.Version().AgentID)
}

func TestNew_BadSettingsFileIsRecorded(t *testing.T) {
	cfg := testConfig(t)
	cfg.Credentials.SettingsFile = filepath.Join(t.TempDir(), "missing.toml")

	application, err := New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	defer application.Close()

	assert.Nil(t, application.CredentialService.GetActive())
	assert.NotEmpty(t, application.StatusService.Snapshot().LastError)
}

func TestClose_StopsScheduler(t *testing.T) {
	application, err := New(testConfig(t), arbor.NewLogger())
	require.NoError(t, err)

	require.NoError(t, application.SchedulerService.Start())
	require.NoError(t, application.Close())
	assert.False(t, application.SchedulerService.IsRunning())
}
